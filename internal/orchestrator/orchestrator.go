// Package orchestrator wires chunk reading, stage execution, and container
// writing into the two end-to-end operations the CLI exposes: processing a
// file into a .adapipe container, and restoring a container back to a file.
package orchestrator

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/executor"
	"github.com/FairForge/adapipe/internal/fileio"
	"github.com/FairForge/adapipe/internal/format"
	"github.com/FairForge/adapipe/internal/obslog"
	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/FairForge/adapipe/internal/pipeline"
	"github.com/FairForge/adapipe/internal/procmetrics"
	"github.com/FairForge/adapipe/internal/stage"
	"go.uber.org/zap"
)

// DefaultWorkers is the worker count used when Options.Workers is unset.
const DefaultWorkers = 4

// Options controls a Process or Restore run.
type Options struct {
	Workers   int
	ChunkSize chunk.Size
	UseMmap   bool

	// ChannelDepth overrides the bounded queue and reorder-buffer capacity
	// between the reader, the worker pool, and the writer. Zero means
	// twice the worker count.
	ChannelDepth int
}

func (o Options) workerCount() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return DefaultWorkers
}

// queueDepth bounds resident memory to roughly
// chunk_size * (workers + queueDepth): the reader can run this many chunks
// ahead of the slowest worker, and the reorder buffer can hold this many
// completed chunks ahead of the writer's cursor.
func (o Options) queueDepth() int {
	if o.ChannelDepth > 0 {
		return o.ChannelDepth
	}
	return 2 * o.workerCount()
}

// Result summarizes one Process or Restore run.
type Result struct {
	PipelineID      string
	BytesRead       int64
	BytesWritten    int64
	ChunksProcessed int64
	OutputChecksum  string
	Metrics         procmetrics.Snapshot
}

// Orchestrator runs a Pipeline's stages across a file's chunks through a
// reader/worker-pool/writer pipeline: one goroutine streams chunks off
// disk into a bounded queue, a pool of workers each walk the full ordered
// stage list per chunk, and a single writer goroutine drains a
// sequence-ordered reorder buffer so output lands in order regardless of
// which worker finished which chunk first. Back-pressure at both the queue
// and the reorder buffer bounds resident memory to roughly
// chunk_size * (workers + queue_depth) rather than the whole file.
type Orchestrator struct {
	registry *stage.Registry
	executor *executor.Executor
	logger   *obslog.Logger
}

// New builds an Orchestrator bound to registry, using logger (or a default
// no-op-safe logger if nil).
func New(registry *stage.Registry, logger *obslog.Logger) *Orchestrator {
	if logger == nil {
		logger = obslog.New(nil)
	}
	return &Orchestrator{registry: registry, executor: executor.New(registry), logger: logger.Named("orchestrator")}
}

func toExecutorStages(stages []pipeline.PipelineStage) []executor.PipelineStage {
	out := make([]executor.PipelineStage, len(stages))
	for i, s := range stages {
		out[i] = s
	}
	return out
}

func stageDescriptors(stages []pipeline.PipelineStage) []format.StageDescriptor {
	out := make([]format.StageDescriptor, len(stages))
	for i, s := range stages {
		cfg := s.Configuration()
		keys := make([]string, 0, len(cfg.Parameters))
		for k := range cfg.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		params := make([]format.Param, 0, len(keys))
		for _, k := range keys {
			params = append(params, format.Param{Key: k, Value: cfg.Parameters[k]})
		}
		out[i] = format.StageDescriptor{Name: s.Name(), Algorithm: cfg.Algorithm, Operation: cfg.Operation, Params: params}
	}
	return out
}

func sha256Bytes(hexDigest string) [32]byte {
	var out [32]byte
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != 32 {
		return out
	}
	copy(out[:], raw)
	return out
}

// checksumStageNames are the names pipeline.New gives its engine-inserted
// bookend stages.
var checksumStageNames = map[string]bool{"input_checksum": true, "output_checksum": true}

// rebuildForwardPipeline reconstructs the forward pipeline.Pipeline a
// container's footer describes, so Restore can derive its inverse stage
// list from pipeline.Pipeline.RestoreStages rather than re-implementing
// the reversal independently. A stage's Type and Position aren't carried
// on the wire (the footer only stores name/algorithm/operation/params), so
// they're re-derived from the registry, the same classification Process
// consulted when building the container.
func rebuildForwardPipeline(footer format.Footer, registry *stage.Registry) (pipeline.Pipeline, error) {
	var userStages []pipeline.PipelineStage
	for _, d := range footer.Stages {
		if checksumStageNames[d.Name] {
			continue
		}
		svc, err := registry.Lookup(d.Algorithm)
		if err != nil {
			return pipeline.Pipeline{}, perrors.NewInvalidConfiguration("restoring stage %q: %v", d.Name, err)
		}
		params := make(map[string]string, len(d.Params))
		for _, p := range d.Params {
			params[p.Key] = p.Value
		}
		cfg := stage.Configuration{Name: d.Name, Algorithm: d.Algorithm, Parameters: params, Operation: d.Operation}
		userStages = append(userStages, pipeline.NewUserStage(d.Name, svc.Type(), svc.Position(), cfg))
	}
	name := "restore-" + footer.PipelineID.String()
	return pipeline.NewWithID(footer.PipelineID, name, userStages)
}

// readChunkFrames is the restore path's reader task: it streams chunk
// frames off f up to footerStart, emitting them onto out in sequence order
// and marking the last one final, mirroring fileio.StreamFileChunks'
// contract for the forward path.
func readChunkFrames(ctx context.Context, f *os.File, footerStart int64, out chan<- chunk.FileChunk) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return perrors.NewIOError("seek", f.Name(), err)
		}
		if pos >= footerStart {
			return nil
		}
		frame, err := format.ReadChunkFrame(f)
		if err != nil {
			return perrors.NewIOError("read", "chunk frame", err)
		}
		isFinal := false
		if nextPos, err := f.Seek(0, io.SeekCurrent); err == nil {
			isFinal = nextPos >= footerStart
		}
		c, err := chunk.New(frame.SequenceNumber, int64(frame.Offset), frame.Payload, isFinal)
		if err != nil {
			return err
		}
		if frame.PayloadSHA256 != nil {
			c = c.WithChecksum(hex.EncodeToString(frame.PayloadSHA256[:]))
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Process streams inputPath's chunks through p's stages and writes a
// .adapipe container to outputPath. The output file and its header are
// created before any chunk is processed, so a mid-run cancellation or
// stage failure leaves a partial, footer-less container on disk rather
// than no output at all; Result is still populated with the partial
// metrics observed before the error.
func (o *Orchestrator) Process(ctx context.Context, p pipeline.Pipeline, inputPath, outputPath string, opts Options) (Result, error) {
	execStages := toExecutorStages(p.Stages())
	if err := executor.ValidateOrdering(execStages); err != nil {
		return Result{}, err
	}

	info, err := fileio.GetFileInfo(inputPath)
	if err != nil {
		return Result{}, err
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunk.OptimalForFileSize(info.Size)
	}

	originalChecksum, err := fileio.CalculateFileChecksum(inputPath)
	if err != nil {
		return Result{}, err
	}

	o.logger.Info("processing started",
		zap.String("pipeline", p.Name()),
		zap.String("input", inputPath),
		zap.Int64("size", info.Size))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	depth := opts.queueDepth()
	source := make(chan chunk.FileChunk, depth)
	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- fileio.StreamFileChunks(runCtx, inputPath, fileio.ReadOptions{ChunkSize: chunkSize, UseMmap: opts.UseMmap}, source)
	}()

	outFile, err := os.Create(outputPath)
	if err != nil {
		return Result{}, perrors.NewIOError("create", outputPath, err)
	}

	header := format.Header{
		FormatVersion:  format.FormatVersion,
		PipelineID:     p.ID(),
		OriginalName:   filepath.Base(inputPath),
		OriginalSize:   uint64(info.Size),
		OriginalSHA256: sha256Bytes(originalChecksum),
		ChunkSize:      uint32(chunkSize),
		CreatedAt:      time.Now().UTC(),
		Stages:         stageDescriptors(p.Stages()),
	}

	writer, err := format.NewWriter(outFile, header)
	if err != nil {
		outFile.Close()
		return Result{}, err
	}

	pctx := stage.NewProcessingContext()
	metrics := procmetrics.New(p.Name())

	runner := &pipelineRunner{
		executor:    o.executor,
		stages:      execStages,
		workers:     opts.workerCount(),
		queueDepth:  depth,
		recordStage: metrics.RecordStageDuration,
	}

	sink := func(c chunk.FileChunk) error {
		var hashPtr *[32]byte
		if c.Checksum() != "" {
			h := sha256Bytes(c.Checksum())
			hashPtr = &h
		}
		frame := format.ChunkFrame{
			SequenceNumber: c.Sequence(),
			Offset:         uint64(c.Offset()),
			PayloadSHA256:  hashPtr,
			Payload:        c.Data(),
		}
		if err := writer.WriteChunk(frame); err != nil {
			return err
		}
		metrics.RecordChunk()
		return nil
	}

	written, runErr := runner.run(runCtx, pctx, source, sink)
	if runErr != nil {
		cancel()
	}
	if readErr := <-readErrCh; readErr != nil && runErr == nil {
		runErr = readErr
	}

	metrics.RecordBytesRead(info.Size)
	metrics.RecordBytesWritten(written)

	if runErr != nil {
		writer.Abort()
		outFile.Close()
		o.logger.Error("processing failed", zap.String("pipeline", p.Name()), zap.Error(runErr))
		snap := metrics.Snapshot()
		return Result{
			PipelineID:      p.ID().String(),
			BytesRead:       info.Size,
			BytesWritten:    written,
			ChunksProcessed: snap.ChunksTotal,
			Metrics:         snap,
		}, runErr
	}

	outputDigest, _ := pctx.Metadata("output_checksum")
	if err := writer.Finalize(sha256Bytes(outputDigest)); err != nil {
		outFile.Close()
		return Result{}, err
	}
	if err := outFile.Close(); err != nil {
		return Result{}, perrors.NewIOError("close", outputPath, err)
	}

	o.logger.Info("processing complete",
		zap.String("pipeline", p.Name()),
		zap.String("output", outputPath),
		zap.Int64("bytes_written", written))

	snap := metrics.Snapshot()
	return Result{
		PipelineID:      p.ID().String(),
		BytesRead:       info.Size,
		BytesWritten:    written,
		ChunksProcessed: snap.ChunksTotal,
		OutputChecksum:  outputDigest,
		Metrics:         snap,
	}, nil
}

// Restore reads a .adapipe container at inputPath, reconstructs the
// forward pipeline from the footer alone (the footer is self-contained)
// and derives its inverse via pipeline.Pipeline.RestoreStages, streams the
// container's chunk frames through it, and writes the reconstructed file
// to outputPath. It verifies the reconstructed file's SHA-256 against the
// header's recorded original digest before returning.
func (o *Orchestrator) Restore(ctx context.Context, inputPath, outputPath string, opts Options) (Result, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return Result{}, perrors.NewIOError("open", inputPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, perrors.NewIOError("stat", inputPath, err)
	}

	header, err := format.ReadHeader(f)
	if err != nil {
		return Result{}, err
	}
	footer, err := format.ReadFooter(f, info.Size())
	if err != nil {
		return Result{}, err
	}
	if err := format.ValidateHeaderFooterConsistency(header, footer); err != nil {
		return Result{}, err
	}

	forward, err := rebuildForwardPipeline(footer, o.registry)
	if err != nil {
		return Result{}, err
	}
	restoreStages := toExecutorStages(forward.RestoreStages())

	pctx := stage.NewProcessingContext()
	metrics := procmetrics.New(header.PipelineID.String())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	footerStart := info.Size() - int64(footer.FooterLength)
	depth := opts.queueDepth()
	source := make(chan chunk.FileChunk, depth)
	readErrCh := make(chan error, 1)
	go func() {
		defer close(source)
		readErrCh <- readChunkFrames(runCtx, f, footerStart, source)
	}()

	runner := &pipelineRunner{
		executor:    o.executor,
		stages:      restoreStages,
		workers:     opts.workerCount(),
		queueDepth:  depth,
		recordStage: metrics.RecordStageDuration,
	}

	var chunksWritten int64
	sink := func(c chunk.FileChunk) error {
		if err := fileio.WriteChunkToFile(outputPath, c, chunksWritten == 0, fileio.WriteOptions{CreateParentDirs: true}); err != nil {
			return err
		}
		metrics.RecordChunk()
		chunksWritten++
		return nil
	}

	written, runErr := runner.run(runCtx, pctx, source, sink)
	if runErr != nil {
		cancel()
	}
	if readErr := <-readErrCh; readErr != nil && runErr == nil {
		runErr = readErr
	}
	metrics.RecordBytesWritten(written)

	if runErr != nil {
		o.logger.Error("restore failed", zap.String("pipeline_id", header.PipelineID.String()), zap.Error(runErr))
		snap := metrics.Snapshot()
		return Result{
			PipelineID:      header.PipelineID.String(),
			BytesWritten:    written,
			ChunksProcessed: snap.ChunksTotal,
			Metrics:         snap,
		}, runErr
	}

	reconstructedChecksum, err := fileio.CalculateFileChecksum(outputPath)
	if err != nil {
		return Result{}, err
	}
	if sha256Bytes(reconstructedChecksum) != header.OriginalSHA256 {
		return Result{}, perrors.NewIntegrity("restored file checksum %s does not match original %s", reconstructedChecksum, hex.EncodeToString(header.OriginalSHA256[:]))
	}

	o.logger.Info("restore complete",
		zap.String("pipeline_id", header.PipelineID.String()),
		zap.String("output", outputPath),
		zap.Int64("bytes_written", written))

	snap := metrics.Snapshot()
	return Result{
		PipelineID:      header.PipelineID.String(),
		BytesWritten:    written,
		ChunksProcessed: snap.ChunksTotal,
		OutputChecksum:  reconstructedChecksum,
		Metrics:         snap,
	}, nil
}
