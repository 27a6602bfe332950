package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/FairForge/adapipe/internal/orchestrator"
)

func runRestore(args []string, env *cliEnv) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	input := fs.String("input", "", "input .adapipe container path")
	output := fs.String("output", "", "output file path")
	workers := fs.Int("workers", 0, "worker pool size (0 = config default)")
	channelDepth := fs.Int("channel-depth", 0, "bounded queue / reorder-buffer depth between reader, workers, and writer (0 = 2x workers)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *output == "" {
		return fmt.Errorf("restore: --input and --output are both required")
	}
	if *workers == 0 {
		*workers = env.cfg.Engine.Workers
	}

	orch := orchestrator.New(env.registry, env.logger)
	result, err := orch.Restore(context.Background(), *input, *output, orchestrator.Options{Workers: *workers, ChannelDepth: *channelDepth})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	fmt.Fprintf(env.stdout, "restored %s: %d bytes written, %d chunks, checksum %s\n",
		*output, result.BytesWritten, result.ChunksProcessed, result.OutputChecksum)
	return nil
}
