package stage

import (
	"context"
	"fmt"
	"sort"

	"github.com/FairForge/adapipe/internal/chunk"
)

// Service is a position-classified, per-chunk transformation addressable by
// algorithm name. Checksum is not implemented as a Service — the executor
// handles it internally, so no Service ever reports
// Type() == TypeChecksum.
type Service interface {
	Position() Position
	IsReversible() bool
	Type() Type
	// RequiresSequential reports whether chunks must be processed in
	// sequence-number order (true only for stages with cross-chunk state).
	RequiresSequential() bool
	ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error)
	// Prepare/Cleanup are lifecycle hooks for a stage; the zero value
	// (BaseService) no-ops both. The executor and orchestrator do not call
	// them.
	Prepare(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// BaseService gives concrete services a no-op Prepare/Cleanup by embedding.
type BaseService struct{}

func (BaseService) Prepare(context.Context) error { return nil }
func (BaseService) Cleanup(context.Context) error { return nil }

// Registry is an immutable algorithm-name -> factory map, built once at
// startup and freely shared across worker goroutines. Lookup mints a fresh
// Service per call rather than sharing one instance: stages like mlkem768
// carry per-file encapsulation state in a sync.Once and must not leak it
// across unrelated pipeline runs sharing the same Registry.
type Registry struct {
	factories map[string]func() Service
}

// NewRegistry builds the registry with every stage service this engine
// ships.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]func() Service)}
	for _, f := range []struct {
		name    string
		factory func() Service
	}{
		{"zstd", func() Service { return NewZstdService(3) }},
		{"snappy", func() Service { return NewSnappyService() }},
		{"lz4", func() Service { return NewLZ4Service() }},
		{"brotli", func() Service { return NewBrotliService(4) }},
		{"aes256gcm", func() Service { return NewAESGCMService() }},
		{"chacha20poly1305", func() Service { return NewChaCha20Poly1305Service() }},
		{"mlkem768", func() Service { return NewMLKEM768Service() }},
		{"base64", func() Service { return NewBase64Service() }},
		{"pii_masking", func() Service { return NewPIIMaskingService() }},
		{"tee", func() Service { return NewTeeService() }},
		{"debug", func() Service { return NewDebugService() }},
		{"passthrough", func() Service { return NewPassThroughService() }},
	} {
		r.factories[f.name] = f.factory
	}
	return r
}

// Lookup returns a fresh service instance for algorithm, or a structured
// error listing the available algorithms.
func (r *Registry) Lookup(algorithm string) (Service, error) {
	factory, ok := r.factories[algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown stage algorithm %q: available algorithms are %v", algorithm, r.Algorithms())
	}
	return factory(), nil
}

// Algorithms returns the sorted list of registered algorithm names.
func (r *Registry) Algorithms() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
