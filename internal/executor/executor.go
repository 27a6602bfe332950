// Package executor implements the per-chunk stage dispatch: checksum
// accumulation, service invocation, ordering validation, and data-size
// resource estimates. It is the only component that knows how a
// Pipeline's ordered stage list turns into calls against the stage
// registry.
package executor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"sort"
	"sync"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/FairForge/adapipe/internal/stage"
)

// PipelineStage is the minimal shape the executor needs from a pipeline's
// stage list; internal/pipeline.PipelineStage satisfies it.
type PipelineStage interface {
	Name() string
	StageType() stage.Type
	Position() stage.Position
	RequiresChecksum() bool
	Configuration() stage.Configuration
}

// Executor dispatches chunks through stage services, tracking running
// checksum state per checksum-typed stage name.
type Executor struct {
	registry *stage.Registry

	mu        sync.Mutex
	hashes    map[string]hash.Hash
}

// New builds an executor bound to a registry.
func New(registry *stage.Registry) *Executor {
	return &Executor{
		registry: registry,
		hashes:   make(map[string]hash.Hash),
	}
}

// Execute runs a single stage against a single chunk, following the three
// dispatch rules.
func (e *Executor) Execute(ctx context.Context, st PipelineStage, c chunk.FileChunk, pctx *stage.ProcessingContext) (chunk.FileChunk, error) {
	if st.StageType() == stage.TypeChecksum {
		return e.executeChecksum(st, c, pctx)
	}

	cfg := st.Configuration()
	svc, err := e.registry.Lookup(cfg.Algorithm)
	if err != nil {
		return chunk.FileChunk{}, perrors.NewInvalidConfiguration("%v", err)
	}

	out, err := e.safeProcessChunk(ctx, svc, c, cfg, pctx, st.Name())
	if err != nil {
		return chunk.FileChunk{}, err
	}
	return out, nil
}

// safeProcessChunk recovers a panic from a stage Service at the worker
// boundary and turns it into an InternalError, so one misbehaving stage
// cannot crash the whole orchestrator.
func (e *Executor) safeProcessChunk(ctx context.Context, svc stage.Service, c chunk.FileChunk, cfg stage.Configuration, pctx *stage.ProcessingContext, stageName string) (out chunk.FileChunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = perrors.NewInternal(stageName, c.Sequence(), "panic recovered: %v", r)
		}
	}()
	out, err = svc.ProcessChunk(ctx, c, cfg, pctx)
	return out, err
}

// executeChecksum implements dispatch rule 1: accumulate a running SHA-256
// for this stage name, finalize and publish the digest on the final chunk.
func (e *Executor) executeChecksum(st PipelineStage, c chunk.FileChunk, pctx *stage.ProcessingContext) (chunk.FileChunk, error) {
	e.mu.Lock()
	h, ok := e.hashes[st.Name()]
	if !ok {
		h = sha256.New()
		e.hashes[st.Name()] = h
	}
	h.Write(c.Data())
	final := c.IsFinal()
	var digest string
	if final {
		digest = fmt.Sprintf("%x", h.Sum(nil))
		delete(e.hashes, st.Name())
	}
	e.mu.Unlock()

	if final && pctx != nil {
		pctx.SetMetadata(st.Name(), digest)
	}
	return c, nil
}

// chunkJob pairs a chunk with the result slot it must land in, used by
// ExecuteParallel's work-stealing pool.
type chunkJob struct {
	index int
	chunk chunk.FileChunk
}

// IsSequential reports whether st must observe chunks in strict ascending
// sequence-number order: every Checksum stage (its running digest depends
// on byte order), plus any stage whose registered service reports
// RequiresSequential.
func (e *Executor) IsSequential(st PipelineStage) bool {
	if st.StageType() == stage.TypeChecksum {
		return true
	}
	cfg := st.Configuration()
	svc, err := e.registry.Lookup(cfg.Algorithm)
	if err != nil {
		return false
	}
	return svc.RequiresSequential()
}

// ExecuteParallel runs one stage across many chunks. Stages whose service
// requires sequential processing (or which are themselves Checksum stages)
// are run in ascending sequence-number order; all others fan out across a
// worker pool sized to runtime parallelism available to the caller.
func (e *Executor) ExecuteParallel(ctx context.Context, st PipelineStage, chunks []chunk.FileChunk, pctx *stage.ProcessingContext, workers int) ([]chunk.FileChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	sequential := e.IsSequential(st)

	ordered := make([]chunk.FileChunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence() < ordered[j].Sequence() })

	if sequential {
		out := make([]chunk.FileChunk, len(ordered))
		for i, c := range ordered {
			result, err := e.Execute(ctx, st, c, pctx)
			if err != nil {
				return nil, err
			}
			out[i] = result
		}
		return out, nil
	}

	if workers < 1 {
		workers = 1
	}
	jobs := make(chan chunkJob)
	results := make([]chunk.FileChunk, len(ordered))
	errs := make([]error, len(ordered))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				r, err := e.Execute(ctx, st, j.chunk, pctx)
				results[j.index] = r
				errs[j.index] = err
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, c := range ordered {
			select {
			case jobs <- chunkJob{index: i, chunk: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// ValidateOrdering enforces that no PreBinary stage follows a PostBinary
// stage; Any-position and Checksum stages impose no constraint. Violation
// is a fatal configuration error surfaced before any I/O.
func ValidateOrdering(stages []PipelineStage) error {
	seenPostBinary := false
	for _, st := range stages {
		if st.StageType() == stage.TypeChecksum {
			continue
		}
		switch st.Position() {
		case stage.PostBinary:
			seenPostBinary = true
		case stage.PreBinary:
			if seenPostBinary {
				return perrors.NewInvalidConfiguration("stage %q is pre-binary but appears after a post-binary stage", st.Name())
			}
		}
	}
	return nil
}

// Rates used for resource estimation; advisory only.
const (
	bytesPerSecondCompression = 100 * 1024 * 1024
	bytesPerSecondEncryption  = 200 * 1024 * 1024
	bytesPerSecondChecksum    = 500 * 1024 * 1024
	bytesPerSecondTransform   = 50 * 1024 * 1024
)

// ResourceEstimate is an advisory wall-clock/memory estimate for a stage
// processing dataSize bytes.
type ResourceEstimate struct {
	StageName         string
	EstimatedSeconds  float64
	EstimatedPeakBytes int64
}

// EstimateResources computes a per-stage estimate from the fixed
// throughput/memory-multiplier table.
func EstimateResources(st PipelineStage, dataSize int64) ResourceEstimate {
	var rate float64
	var multiplier float64
	switch st.StageType() {
	case stage.TypeCompression:
		rate, multiplier = bytesPerSecondCompression, 2
	case stage.TypeEncryption:
		rate, multiplier = bytesPerSecondEncryption, 1
	case stage.TypeChecksum:
		rate, multiplier = bytesPerSecondChecksum, 0.01
	default:
		rate, multiplier = bytesPerSecondTransform, 3
	}
	return ResourceEstimate{
		StageName:          st.Name(),
		EstimatedSeconds:   float64(dataSize) / rate,
		EstimatedPeakBytes: int64(float64(dataSize) * multiplier),
	}
}

// EstimatePipeline sums per-stage estimates into a total advisory estimate.
func EstimatePipeline(stages []PipelineStage, dataSize int64) []ResourceEstimate {
	out := make([]ResourceEstimate, 0, len(stages))
	for _, st := range stages {
		out = append(out, EstimateResources(st, dataSize))
	}
	return out
}
