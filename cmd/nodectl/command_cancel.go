package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"nodectl/internal/cancellation"
)

type CancelCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
}

func NewCancelCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *CancelCommand {
	return &CancelCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
	}
}

func (c *CancelCommand) Run(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("cancel requires exactly one session id")
	}
	sessionID := strings.TrimSpace(fs.Arg(0))
	if sessionID == "" {
		return errors.New("session id is required")
	}

	ctx := context.Background()
	rt, err := c.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.tracker.Mount(ctx); err != nil {
		fmt.Fprintf(c.stderr, "checkpoints unavailable: %v\n", err)
	}
	outcome, err := rt.tracker.Cancel(ctx, sessionID)
	if err != nil {
		return err
	}
	if outcome == cancellation.OutcomeAlreadyTerminal {
		if _, known := rt.tracker.Registry().Get(sessionID); !known {
			// Not tracked here; the backend still knows the job.
			resp, err := rt.client.CancelSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if !resp.AlreadyTerminal {
				outcome = cancellation.OutcomeCancelled
			}
		}
	}
	fmt.Fprintf(c.stdout, "%s %s\n", sessionID, outcome)
	return nil
}
