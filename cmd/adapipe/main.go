// Command adapipe is the CLI front end to the adaptive chunked
// file-processing engine: create named pipelines, run them forward over a
// file into a .adapipe container, and restore a container back to a file.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/FairForge/adapipe/internal/config"
	"github.com/FairForge/adapipe/internal/obslog"
	"github.com/FairForge/adapipe/internal/stage"
)

// cliEnv bundles the dependencies every subcommand needs, so tests can
// substitute buffers for stdout/stderr without touching os.Stdout.
type cliEnv struct {
	cfg      config.Config
	registry *stage.Registry
	logger   *obslog.Logger
	stdout   io.Writer
	stderr   io.Writer
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: adapipe <command> [flags]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  create  --name NAME --stages CSV [--output PATH]")
	fmt.Fprintln(w, "  process --input PATH --output PATH --pipeline NAME [--chunk-size-mb N] [--workers N]")
	fmt.Fprintln(w, "  restore --input PATH --output PATH [--workers N]")
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}

	cfg := config.Default()
	config.LoadFromEnv(&cfg)

	logger, err := obslog.NewProduction()
	if err != nil {
		fmt.Fprintf(stderr, "adapipe: initializing logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	env := &cliEnv{
		cfg:      cfg,
		registry: stage.NewRegistry(),
		logger:   logger,
		stdout:   stdout,
		stderr:   stderr,
	}

	command, rest := args[0], args[1:]
	var runErr error
	switch command {
	case "create":
		runErr = runCreate(rest, env)
	case "process":
		runErr = runProcess(rest, env)
	case "restore":
		runErr = runRestore(rest, env)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "adapipe: unknown command %q\n", command)
		printUsage(stderr)
		return 1
	}

	if runErr != nil {
		fmt.Fprintf(stderr, "adapipe: %v\n", runErr)
		return 1
	}
	return 0
}
