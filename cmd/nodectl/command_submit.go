package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nodectl/internal/router"
	"nodectl/internal/tracker"
)

// submission is the part shared by import, test and service: route the
// request, print the sync result or the session id, then follow async
// sessions unless detached.
type submission struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
	copyText   func(text string) error
	interval   time.Duration
}

type submitFlags struct {
	detach bool
	copy   bool
}

// prepare lets the caller build the selection on the fresh runtime.
type prepareFunc func(ctx context.Context, rt *commandRuntime) (router.Request, error)

func (s submission) run(flags submitFlags, prepare prepareFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newProgressPrinter(s.stdout)
	rt, err := s.newRuntime(ctx, withTrackerOptions(tracker.WithOnTerminal(printer.terminal)))
	if err != nil {
		return err
	}
	defer rt.Close()

	req, err := prepare(ctx, rt)
	if err != nil {
		return err
	}

	// An interrupt aborts a synchronous request through the coordinator;
	// the request itself runs on a context the signal does not touch.
	submitted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, op := range rt.tracker.SyncInFlight() {
				outcome, err := rt.tracker.Cancel(context.Background(), op.ID)
				if err == nil {
					fmt.Fprintf(s.stderr, "%s %s\n", op.ID, outcome)
				}
			}
		case <-submitted:
		}
	}()
	result, err := rt.tracker.Submit(context.Background(), req)
	close(submitted)
	if err != nil {
		return err
	}
	if result.Sync != nil {
		return writeJSON(s.stdout, result.Sync)
	}

	session := result.Session
	fmt.Fprintln(s.stdout, session.ID)
	if flags.copy && s.copyText != nil {
		if err := s.copyText(session.ID); err != nil {
			fmt.Fprintf(s.stderr, "copy failed: %v\n", err)
		} else {
			fmt.Fprintln(s.stderr, "session id copied to clipboard")
		}
	}
	if flags.detach {
		return rt.tracker.Flush(context.Background())
	}
	rt.tracker.Start()
	if err := followActive(ctx, rt, "", printer, s.interval); err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Fprintln(s.stderr, "detached; the job keeps running, resume with: nodectl watch")
	}
	return nil
}
