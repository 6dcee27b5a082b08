package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

type CountCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
}

func NewCountCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *CountCommand {
	return &CountCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
	}
}

func (c *CountCommand) Run(args []string) error {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	var filters, excludes stringList
	fs.Var(&filters, "filter", "filter as key=value (repeatable)")
	fs.Var(&excludes, "exclude", "node id to leave out (repeatable, comma-separated)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := parseFilters(filters)
	if err != nil {
		return err
	}
	if len(filter) == 0 {
		return errors.New("count requires at least one --filter")
	}

	ctx := context.Background()
	rt, err := c.newRuntime(ctx, withoutPersistence())
	if err != nil {
		return err
	}
	defer rt.Close()

	selection := rt.tracker.Selection()
	count, err := selection.SelectAllByFilter(ctx, filter)
	if err != nil {
		return err
	}
	for _, id := range splitIDs(excludes) {
		selection.Toggle(id)
	}
	fmt.Fprintf(c.stdout, "matching: %s\n", humanize.Comma(int64(count)))
	if len(excludes) > 0 {
		fmt.Fprintf(c.stdout, "selected: %s\n", humanize.Comma(int64(selection.EffectiveCount())))
	}
	return nil
}
