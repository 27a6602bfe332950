package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/executor"
	"github.com/FairForge/adapipe/internal/fileio"
	"github.com/FairForge/adapipe/internal/orchestrator"
	"github.com/FairForge/adapipe/internal/pipeline"
	"github.com/FairForge/adapipe/internal/repository"
)

func toExecutorStages(stages []pipeline.PipelineStage) []executor.PipelineStage {
	out := make([]executor.PipelineStage, len(stages))
	for i, s := range stages {
		out[i] = s
	}
	return out
}

func fileSizeOrZero(path string) int64 {
	info, err := fileio.GetFileInfo(path)
	if err != nil {
		return 0
	}
	return info.Size
}

func runProcess(args []string, env *cliEnv) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	input := fs.String("input", "", "input file path")
	output := fs.String("output", "", "output .adapipe container path")
	pipelineName := fs.String("pipeline", "", "name of a pipeline created with create")
	chunkSizeMB := fs.Int("chunk-size-mb", 0, "chunk size override in MiB (0 = adaptive)")
	workers := fs.Int("workers", 0, "worker pool size (0 = config default)")
	channelDepth := fs.Int("channel-depth", 0, "bounded queue / reorder-buffer depth between reader, workers, and writer (0 = 2x workers)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *output == "" || *pipelineName == "" {
		return fmt.Errorf("process: --input, --output, and --pipeline are all required")
	}
	if *workers == 0 {
		*workers = env.cfg.Engine.Workers
	}
	if *chunkSizeMB == 0 {
		*chunkSizeMB = env.cfg.Engine.ChunkSizeMB
	}
	if !strings.HasSuffix(*output, ".adapipe") {
		*output += ".adapipe"
	}

	repo, err := repository.NewFileRepository(env.cfg.Repository.Path, env.logger)
	if err != nil {
		return fmt.Errorf("process: opening repository: %w", err)
	}
	p, ok, err := repo.FindByName(*pipelineName)
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}
	if !ok {
		return fmt.Errorf("process: no pipeline named %q; create it first", *pipelineName)
	}

	opts := orchestrator.Options{Workers: *workers, ChannelDepth: *channelDepth}
	if *chunkSizeMB > 0 {
		size, warnErr := chunk.ValidateUserInput(*chunkSizeMB, fileSizeOrZero(*input))
		if warnErr != nil {
			fmt.Fprintf(env.stderr, "process: warning: %v; falling back to adaptive chunk size\n", warnErr)
		} else {
			opts.ChunkSize = size
		}
	}

	estimates := executor.EstimatePipeline(toExecutorStages(p.Stages()), fileSizeOrZero(*input))
	var totalSeconds float64
	var peakBytes int64
	for _, e := range estimates {
		totalSeconds += e.EstimatedSeconds
		if e.EstimatedPeakBytes > peakBytes {
			peakBytes = e.EstimatedPeakBytes
		}
	}
	fmt.Fprintf(env.stdout, "estimated wall-clock %s, peak memory %d bytes\n",
		time.Duration(totalSeconds*float64(time.Second)), peakBytes)

	orch := orchestrator.New(env.registry, env.logger)
	result, err := orch.Process(context.Background(), p, *input, *output, opts)
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	fmt.Fprintf(env.stdout, "wrote %s: %d bytes read, %d bytes written, %d chunks, checksum %s\n",
		filepath.Clean(*output), result.BytesRead, result.BytesWritten, result.ChunksProcessed, result.OutputChecksum)
	return nil
}
