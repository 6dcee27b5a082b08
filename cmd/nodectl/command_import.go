package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"nodectl/internal/router"
	"nodectl/internal/types"
)

type ImportCommand struct {
	submission
	stdin io.Reader
}

func NewImportCommand(stdout, stderr io.Writer, newRuntime runtimeFactory, copyText func(string) error) *ImportCommand {
	return &ImportCommand{
		submission: submission{
			stdout:     stdout,
			stderr:     stderr,
			newRuntime: newRuntime,
			copyText:   copyText,
			interval:   defaultPrintInterval,
		},
		stdin: os.Stdin,
	}
}

func (c *ImportCommand) Run(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	var flags submitFlags
	fs.BoolVar(&flags.detach, "detach", false, "print the session id and exit without following progress")
	fs.BoolVar(&flags.copy, "copy", false, "copy the session id to the clipboard")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("import requires a file path or -")
	}
	payload, err := readPayload(fs.Arg(0), c.stdin)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return errors.New("import payload is empty")
	}
	return c.run(flags, func(context.Context, *commandRuntime) (router.Request, error) {
		if len(payload) >= 1024 {
			fmt.Fprintf(c.stderr, "importing %s\n", humanize.IBytes(uint64(len(payload))))
		}
		return router.Request{Kind: types.SessionKindImport, Payload: payload}, nil
	})
}
