package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"nodectl/internal/tracker"
	"nodectl/internal/types"
)

const (
	defaultPrintInterval = time.Second
	metricsShutdownGrace = 2 * time.Second
)

type WatchCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
}

func NewWatchCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *WatchCommand {
	return &WatchCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
	}
}

func (c *WatchCommand) Run(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	kindRaw := fs.String("kind", "", "only follow jobs of this kind: import|test|service-control")
	reconcile := fs.Bool("reconcile", false, "ask the backend for the real status of jobs whose connection was lost")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address while watching")
	interval := fs.Duration("interval", defaultPrintInterval, "progress print interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var kind types.SessionKind
	if *kindRaw != "" {
		parsed, ok := types.ParseSessionKind(*kindRaw)
		if !ok {
			return fmt.Errorf("unknown kind %q", *kindRaw)
		}
		kind = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newProgressPrinter(c.stdout)
	rt, err := c.newRuntime(ctx, withTrackerOptions(tracker.WithOnTerminal(printer.terminal)))
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.tracker.Mount(ctx)
	if err != nil {
		return err
	}
	printMountReport(c.stdout, report)
	if *reconcile {
		c.reconcileLost(ctx, rt, report.Finished)
	}
	rt.tracker.Start()

	addr := *metricsAddr
	if addr == "" {
		addr = rt.cfg.MetricsAddr()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	followCtx, cancel := context.WithCancel(groupCtx)
	defer cancel()
	group.Go(func() error {
		defer cancel()
		return followActive(followCtx, rt, kind, printer, *interval)
	})
	if addr != "" {
		server := &http.Server{
			Addr:              addr,
			Handler:           rt.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-followCtx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), metricsShutdownGrace)
			defer cancelShutdown()
			return server.Shutdown(shutdownCtx)
		})
		fmt.Fprintf(c.stderr, "metrics on http://%s/metrics\n", addr)
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Fprintln(c.stderr, "detached; jobs keep running, resume with: nodectl watch")
	}
	return nil
}

func (c *WatchCommand) reconcileLost(ctx context.Context, rt *commandRuntime, finished []*types.Session) {
	for _, session := range finished {
		if !session.ConnectionLost {
			continue
		}
		updated, err := rt.tracker.Reconcile(ctx, session.ID)
		if err != nil {
			fmt.Fprintf(c.stderr, "reconcile %s: %v\n", session.ID, err)
			continue
		}
		fmt.Fprintf(c.stdout, "reconciled %s\n", renderSession(updated))
	}
}

func printMountReport(out io.Writer, report tracker.MountReport) {
	for _, session := range report.Resumed {
		fmt.Fprintf(out, "resumed %s\n", renderSession(session))
	}
	for _, session := range report.Finished {
		fmt.Fprintf(out, "finished %s\n", renderSession(session))
	}
	for _, session := range report.Interrupted {
		fmt.Fprintf(out, "interrupted %s %s\n", headerStyle.Render(string(session.Kind)), failedStyle.Render("request interrupted; results unknown"))
	}
}

// followActive waits until no running session of kind (any kind when empty)
// is left. Derived sessions registered by a handoff are picked up on the next
// pass. It returns nil when ctx is cancelled; the jobs keep running.
func followActive(ctx context.Context, rt *commandRuntime, kind types.SessionKind, printer *progressPrinter, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultPrintInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := make(chan struct{})
	var printing sync.WaitGroup
	printing.Add(1)
	defer func() {
		close(done)
		printing.Wait()
	}()
	go func() {
		defer printing.Done()
		for {
			select {
			case <-ticker.C:
				printer.tick(rt.tracker, activeSessions(rt, kind, nil))
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	seen := map[string]bool{}
	for {
		pending := activeSessions(rt, kind, seen)
		if len(pending) == 0 {
			return nil
		}
		for _, session := range pending {
			seen[session.ID] = true
			if _, err := rt.tracker.Wait(ctx, session.ID); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}

func activeSessions(rt *commandRuntime, kind types.SessionKind, skip map[string]bool) []*types.Session {
	var out []*types.Session
	for _, session := range rt.tracker.Registry().List() {
		if !session.Active() || skip[session.ID] {
			continue
		}
		if kind != "" && session.Kind != kind {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// progressPrinter writes a line per session whenever its rendered progress
// changes, and one final line when it ends.
type progressPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last map[string]string
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, last: map[string]string{}}
}

func (p *progressPrinter) tick(t *tracker.Tracker, sessions []*types.Session) {
	for _, session := range sessions {
		snapshot, ok := t.Snapshot(session.ID)
		if !ok {
			continue
		}
		p.print(session.ID, renderProgress(session.Kind, snapshot))
	}
}

func (p *progressPrinter) terminal(session *types.Session, snapshot types.ProgressSnapshot) {
	p.print(session.ID, renderProgress(session.Kind, snapshot))
}

func (p *progressPrinter) print(id, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[id] == line {
		return
	}
	p.last[id] = line
	fmt.Fprintln(p.out, line)
}
