package main

import (
	"fmt"
	"os"
)

const usageText = `nodectl submits bulk node operations and tracks their progress.

Usage:
  nodectl <command> [flags]

Commands:
  count     count nodes matching a filter
  import    import nodes from a file (or - for stdin)
  test      test selected nodes; without a selection, attach to the running test job
  service   start or stop the proxy service on selected nodes
  watch     resume checkpointed jobs and follow them to completion
  cancel    cancel a job by session id
  ps        list stored checkpoints
  config    print configuration (effective or defaults)
  version   print the build version
  help      show help

Flags:
  -h, --help   show help

Examples:
  nodectl count --filter country=de --filter protocol=vless
  nodectl import --copy nodes.txt
  nodectl test --filter country=de --exclude node-17 --type tcp
  nodectl service --action stop --ids n1,n2,n3
  nodectl watch --reconcile --metrics-addr 127.0.0.1:9464
  nodectl cancel job-42
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "env error: %v\n", err)
	}

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	wiring := defaultCommandWiring(os.Stdout, os.Stderr)
	commands := buildCommands(wiring)

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	}

	runner, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
	exitOnErr(args[0], runner.Run(args[1:]), wiring.stderr)
}
