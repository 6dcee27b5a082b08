package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"nodectl/internal/types"
)

type PSCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	newRuntime runtimeFactory
	now        func() time.Time
}

func NewPSCommand(stdout, stderr io.Writer, newRuntime runtimeFactory) *PSCommand {
	return &PSCommand{
		stdout:     stdout,
		stderr:     stderr,
		newRuntime: newRuntime,
		now:        time.Now,
	}
}

func (c *PSCommand) Run(args []string) error {
	fs := flag.NewFlagSet("ps", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	jsonOut := fs.Bool("json", false, "print checkpoints as json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := c.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	checkpoints, err := rt.tracker.Checkpoints(ctx)
	if err != nil {
		return err
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].SavedAt.After(checkpoints[j].SavedAt)
	})
	if *jsonOut {
		return writeJSON(c.stdout, checkpoints)
	}
	printCheckpoints(c.stdout, checkpoints, c.now())
	return nil
}

func printCheckpoints(out io.Writer, checkpoints []types.PersistedCheckpoint, now time.Time) {
	if len(checkpoints) == 0 {
		fmt.Fprintln(out, "no checkpoints")
		return
	}
	columns := []column{
		{title: "SESSION", width: 24},
		{title: "KIND", width: 16},
		{title: "STATUS", width: 22},
		{title: "PROGRESS", width: 20},
		{title: "AGE", width: 16},
	}
	rows := make([][]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		id := cp.SessionID
		if id == "" {
			id = "(" + string(cp.Transport) + ")"
		}
		status := &types.Session{Status: cp.Status, ConnectionLost: cp.ConnectionLost}
		rows = append(rows, []string{
			id,
			string(cp.Kind),
			status.StatusText(),
			fmt.Sprintf("%d/%d %d%%", cp.UnitsDone, cp.UnitsTotal, types.Percent(cp.UnitsDone, cp.UnitsTotal)),
			formatAge(cp.SavedAt, now),
		})
	}
	fmt.Fprint(out, renderTable(columns, rows))
}
