package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"nodectl/internal/router"
	"nodectl/internal/tracker"
	"nodectl/internal/types"
)

// OperationCommand submits a node operation (test or service-control)
// against explicit ids or a filter.
type OperationCommand struct {
	submission
	kind types.SessionKind
}

func NewOperationCommand(kind types.SessionKind, stdout, stderr io.Writer, newRuntime runtimeFactory, copyText func(string) error) *OperationCommand {
	return &OperationCommand{
		submission: submission{
			stdout:     stdout,
			stderr:     stderr,
			newRuntime: newRuntime,
			copyText:   copyText,
			interval:   defaultPrintInterval,
		},
		kind: kind,
	}
}

func (c *OperationCommand) Run(args []string) error {
	name := "test"
	if c.kind == types.SessionKindServiceControl {
		name = "service"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	var ids, filters, excludes stringList
	var flags submitFlags
	var params router.Params
	fs.Var(&ids, "ids", "node ids (repeatable, comma-separated)")
	fs.Var(&filters, "filter", "filter as key=value (repeatable); selects every matching node")
	fs.Var(&excludes, "exclude", "node id to leave out of a filter selection (repeatable)")
	fs.BoolVar(&flags.detach, "detach", false, "print the session id and exit without following progress")
	fs.BoolVar(&flags.copy, "copy", false, "copy the session id to the clipboard")
	if c.kind == types.SessionKindServiceControl {
		fs.StringVar(&params.Action, "action", "", "start|stop")
	} else {
		fs.StringVar(&params.TestType, "type", "", "test type, e.g. tcp or http")
		fs.IntVar(&params.Concurrency, "concurrency", 0, "parallel probes (backend default when 0)")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := parseFilters(filters)
	if err != nil {
		return err
	}
	explicit := splitIDs(ids)
	switch {
	case len(explicit) > 0 && len(filter) > 0:
		return errors.New("use either --ids or --filter, not both")
	case len(explicit) == 0 && len(filter) == 0:
		if c.kind == types.SessionKindTest {
			return c.attachTesting()
		}
		return fmt.Errorf("%s requires --ids or --filter", name)
	}

	return c.run(flags, func(ctx context.Context, rt *commandRuntime) (router.Request, error) {
		selection := rt.tracker.Selection()
		if len(explicit) > 0 {
			selection.SelectExplicit(explicit)
		} else {
			if _, err := selection.SelectAllByFilter(ctx, filter); err != nil {
				// The filter stays selected with an unknown count; the
				// router sends it down the async path.
				fmt.Fprintf(c.stderr, "count failed: %v\n", err)
			}
			for _, id := range splitIDs(excludes) {
				selection.Toggle(id)
			}
		}
		return router.Request{Kind: c.kind, Target: selection.Resolve(), Params: params}, nil
	})
}

// attachTesting follows the testing job that is already running, preferring
// one an import spawned, instead of submitting an empty selection.
func (c *OperationCommand) attachTesting() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newProgressPrinter(c.stdout)
	rt, err := c.newRuntime(ctx, withTrackerOptions(tracker.WithOnTerminal(printer.terminal)))
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.tracker.Mount(ctx); err != nil {
		return err
	}
	session := rt.tracker.ActiveTesting()
	if session == nil {
		return errors.New("test requires --ids or --filter (no testing job is running)")
	}
	fmt.Fprintf(c.stdout, "attached %s\n", renderSession(session))
	rt.tracker.Start()
	if err := followActive(ctx, rt, types.SessionKindTest, printer, c.interval); err != nil {
		return err
	}
	if ctx.Err() != nil {
		fmt.Fprintln(c.stderr, "detached; the job keeps running, resume with: nodectl watch")
	}
	return nil
}
