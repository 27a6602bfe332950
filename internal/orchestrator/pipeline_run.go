package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/executor"
	"github.com/FairForge/adapipe/internal/stage"
)

// sequencer is a ticket lock keyed by chunk sequence number: a stage that
// must see chunks in strict order (checksum accumulation, or a service that
// reports RequiresSequential) acquires before running and releases after,
// regardless of which worker goroutine is holding the chunk.
type sequencer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	cursor    uint64
	cancelled bool
}

func newSequencer() *sequencer {
	s := &sequencer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *sequencer) acquire(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq != s.cursor {
		if s.cancelled {
			return context.Canceled
		}
		s.cond.Wait()
	}
	if s.cancelled {
		return context.Canceled
	}
	return nil
}

func (s *sequencer) release() {
	s.mu.Lock()
	s.cursor++
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *sequencer) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// reorderBuffer sits between the worker pool and the single writer. Workers
// submit completed chunks in whatever order they finish; Submit blocks a
// worker whose chunk sits more than capacity slots ahead of the writer's
// current cursor, bounding how far processing can run ahead of output. Next
// blocks the writer until the chunk at its cursor is available, so output
// is always emitted in ascending sequence order.
type reorderBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   map[uint64]chunk.FileChunk
	next      uint64
	capacity  int
	closed    bool
	cancelled bool
}

func newReorderBuffer(capacity int) *reorderBuffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &reorderBuffer{pending: make(map[uint64]chunk.FileChunk), capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *reorderBuffer) Submit(c chunk.FileChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c.Sequence() >= b.next+uint64(b.capacity) {
		if b.cancelled {
			return context.Canceled
		}
		b.cond.Wait()
	}
	if b.cancelled {
		return context.Canceled
	}
	b.pending[c.Sequence()] = c
	b.cond.Broadcast()
	return nil
}

// Next returns the chunk at the current write cursor, blocking until a
// worker submits it. It returns false once the buffer has been closed (all
// workers finished) and drained, or cancelled.
func (b *reorderBuffer) Next() (chunk.FileChunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if c, ok := b.pending[b.next]; ok {
			delete(b.pending, b.next)
			b.next++
			b.cond.Broadcast()
			return c, true
		}
		if b.closed || b.cancelled {
			return chunk.FileChunk{}, false
		}
		b.cond.Wait()
	}
}

// Close marks that no further chunks will be submitted; Next drains what's
// pending and then returns false.
func (b *reorderBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *reorderBuffer) Cancel() {
	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// pipelineRunner drives one reader-fed channel through a worker pool
// running the full ordered stage list per chunk, and a single writer
// consuming a reorder buffer in sequence order. It is the concurrency core
// shared by Process and Restore; only the stage list, sink, and recorded
// metrics differ between them.
type pipelineRunner struct {
	executor    *executor.Executor
	stages      []executor.PipelineStage
	workers     int
	queueDepth  int
	recordStage func(name string, d time.Duration)

	gateOnce sync.Once
	gates    map[string]*sequencer
}

func (r *pipelineRunner) gateFor(name string) *sequencer {
	r.gateOnce.Do(func() {
		r.gates = make(map[string]*sequencer, len(r.stages))
		for _, st := range r.stages {
			if r.executor.IsSequential(st) {
				r.gates[st.Name()] = newSequencer()
			}
		}
	})
	return r.gates[name]
}

// executeChunk walks the full ordered stage list for one chunk, gating any
// sequential stage on its own ticket lock so checksum accumulation (and any
// service that demands strict order) still sees chunks byte-for-byte in
// sequence even though chunks themselves are processed out of order across
// the worker pool.
func (r *pipelineRunner) executeChunk(ctx context.Context, c chunk.FileChunk, pctx *stage.ProcessingContext) (chunk.FileChunk, error) {
	for _, st := range r.stages {
		gate := r.gateFor(st.Name())
		if gate != nil {
			if err := gate.acquire(c.Sequence()); err != nil {
				return chunk.FileChunk{}, err
			}
		}
		start := time.Now()
		out, err := r.executor.Execute(ctx, st, c, pctx)
		if r.recordStage != nil {
			r.recordStage(st.Name(), time.Since(start))
		}
		if gate != nil {
			gate.release()
		}
		if err != nil {
			return chunk.FileChunk{}, err
		}
		c = out
	}
	return c, nil
}

func (r *pipelineRunner) cancelGates() {
	for _, g := range r.gates {
		g.cancel()
	}
}

// run spawns the worker pool over in and drains the resulting reorder
// buffer through write, one chunk at a time, in ascending sequence order.
// It returns the total bytes handed to write and the first error observed
// from either a stage, the writer, or ctx. On any error it cancels its own
// derived context, the reorder buffer and the sequencers so the workers
// stop; ctx itself is not canceled, so stopping the reader that feeds in is
// left to the caller.
func (r *pipelineRunner) run(ctx context.Context, pctx *stage.ProcessingContext, in <-chan chunk.FileChunk, write func(chunk.FileChunk) error) (int64, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	buf := newReorderBuffer(r.queueDepth)

	var errOnce sync.Once
	var firstErr error
	setErr := func(err error) {
		errOnce.Do(func() { firstErr = err })
		cancel()
		buf.Cancel()
		r.cancelGates()
	}

	workers := r.workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range in {
				out, err := r.executeChunk(runCtx, c, pctx)
				if err != nil {
					setErr(err)
					return
				}
				if err := buf.Submit(out); err != nil {
					setErr(err)
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		buf.Close()
	}()

	var bytesWritten int64
	for {
		c, ok := buf.Next()
		if !ok {
			break
		}
		if err := write(c); err != nil {
			setErr(err)
			break
		}
		bytesWritten += int64(len(c.Data()))
		if c.IsFinal() {
			break
		}
	}

	cancel()
	wg.Wait()

	return bytesWritten, firstErr
}
