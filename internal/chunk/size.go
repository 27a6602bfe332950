// Package chunk provides the validated value types the rest of the engine
// builds on: ChunkSize, WorkerCount, and the immutable FileChunk itself.
package chunk

import (
	"fmt"
	"runtime"

	"github.com/FairForge/adapipe/internal/perrors"
)

const (
	bKiB = 1024
	bMiB = 1024 * bKiB
	bGiB = 1024 * bMiB
)

// Size bounds and default, per the adaptive sizing policy.
const (
	MinSize     = 1
	MaxSize     = 512 * bMiB
	DefaultSize = 1 * bMiB
)

// Size is a validated chunk byte count.
type Size int

// NewSize validates n against [MinSize, MaxSize].
func NewSize(n int) (Size, error) {
	if n < MinSize || n > MaxSize {
		return 0, perrors.NewInvalidConfiguration("chunk size %d out of bounds [%d, %d]", n, MinSize, MaxSize)
	}
	return Size(n), nil
}

// MustSize panics on invalid input; for use with compile-time constants only.
func MustSize(n int) Size {
	s, err := NewSize(n)
	if err != nil {
		panic(err)
	}
	return s
}

// adaptiveTable mirrors thresholds derived from benchmark data;
// these are pinned constants, not something to retune at runtime.
var adaptiveTable = []struct {
	maxFileSize int64
	chunkSize   Size
}{
	{1 * bMiB, 64 * bKiB},
	{10 * bMiB, 256 * bKiB},
	{50 * bMiB, 2 * bMiB},
	{500 * bMiB, 16 * bMiB},
	{2 * bGiB, 64 * bMiB},
}

// OptimalForFileSize returns the adaptive chunk size class for fileSize.
func OptimalForFileSize(fileSize int64) Size {
	for _, row := range adaptiveTable {
		if fileSize <= row.maxFileSize {
			return row.chunkSize
		}
	}
	return 128 * bMiB
}

// ValidateUserInput converts a user-supplied megabyte count into a Size,
// rejecting values that are nonsensical for the given file size. It never
// returns an error that should abort processing — callers are expected to
// fall back to OptimalForFileSize and emit a warning instead.
func ValidateUserInput(mb int, fileSize int64) (Size, error) {
	n := mb * bMiB
	if int64(n) > fileSize {
		return 0, fmt.Errorf("requested chunk size %d MiB exceeds file size %d bytes", mb, fileSize)
	}
	if fileSize < 10*bMiB && n > 10*bMiB {
		return 0, fmt.Errorf("requested chunk size %d MiB is excessive for a %d byte file", mb, fileSize)
	}
	return NewSize(n)
}

// WorkerCount is a validated, positive worker pool size bounded by the
// number of available cores.
type WorkerCount int

// NewWorkerCount validates n against [1, cores].
func NewWorkerCount(n, cores int) (WorkerCount, error) {
	if n < 1 {
		return 0, perrors.NewInvalidConfiguration("worker count %d must be positive", n)
	}
	if n > cores {
		n = cores
	}
	return WorkerCount(n), nil
}

// OptimalWorkerCount mirrors ChunkSize's adaptive policy: more workers for
// larger files, capped by available cores.
func OptimalWorkerCount(fileSize int64) WorkerCount {
	cores := runtime.NumCPU()
	var want int
	switch {
	case fileSize <= 10*bMiB:
		want = 1
	case fileSize <= 50*bMiB:
		want = 2
	case fileSize <= 500*bMiB:
		want = 4
	default:
		want = cores
	}
	if want > cores {
		want = cores
	}
	if want < 1 {
		want = 1
	}
	return WorkerCount(want)
}
