package main

import (
	"fmt"
	"io"
	"os"

	"nodectl/internal/config"
	"nodectl/internal/types"
)

type commandRunner interface {
	Run(args []string) error
}

type commandWiring struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
	newRuntime runtimeFactory
	copyText   func(text string) error
	version    string
}

func defaultCommandWiring(stdout, stderr io.Writer) commandWiring {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return commandWiring{
		stdout:     stdout,
		stderr:     stderr,
		loadConfig: config.Load,
		newRuntime: newBackendRuntime(config.Load, stderr),
		copyText:   copySessionID,
		version:    buildVersion(),
	}
}

func buildCommands(wiring commandWiring) map[string]commandRunner {
	return map[string]commandRunner{
		"count":   NewCountCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"import":  NewImportCommand(wiring.stdout, wiring.stderr, wiring.newRuntime, wiring.copyText),
		"test":    NewOperationCommand(types.SessionKindTest, wiring.stdout, wiring.stderr, wiring.newRuntime, wiring.copyText),
		"service": NewOperationCommand(types.SessionKindServiceControl, wiring.stdout, wiring.stderr, wiring.newRuntime, wiring.copyText),
		"watch":   NewWatchCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"cancel":  NewCancelCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"ps":      NewPSCommand(wiring.stdout, wiring.stderr, wiring.newRuntime),
		"config":  NewConfigCommand(wiring.stdout, wiring.stderr, wiring.loadConfig),
		"version": versionCommand{stdout: wiring.stdout, version: wiring.version},
	}
}

type versionCommand struct {
	stdout  io.Writer
	version string
}

func (c versionCommand) Run([]string) error {
	_, err := fmt.Fprintln(c.stdout, c.version)
	return err
}
