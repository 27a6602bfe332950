// Package fileio implements chunked and memory-mapped file reads, append
// writes, and the file/directory metadata helpers the orchestrator and CLI
// build on.
package fileio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/edsrzf/mmap-go"
)

// ReadOptions controls a streaming or mmap read.
type ReadOptions struct {
	ChunkSize     chunk.Size
	StartOffset   int64
	MaxBytes      int64 // 0 means unbounded
	UseMmap       bool
	ComputeChecksum bool
}

// WriteOptions controls a chunk-append write.
type WriteOptions struct {
	CreateParentDirs bool
	Append           bool
	Fsync            bool
	ComputeChecksum  bool
}

// MmapThreshold is the file size at or above which StreamFileChunks uses
// memory-mapped reads instead of buffered streaming, when
// ReadOptions.UseMmap is set.
const MmapThreshold = 512 * 1024 * 1024

// FileExists reports whether path names an existing, regular or directory
// entry.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileInfo is the subset of os.FileInfo the engine cares about, returned by
// value so callers don't need to hold an *os.File open.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    os.FileMode
	ModTime int64
}

// GetFileInfo stats path.
func GetFileInfo(path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, perrors.NewIOError("stat", path, err)
	}
	return FileInfo{Path: path, Size: fi.Size(), Mode: fi.Mode(), ModTime: fi.ModTime().Unix()}, nil
}

// MoveFile renames src to dst, creating dst's parent directory if absent.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return perrors.NewIOError("mkdir", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return perrors.NewIOError("rename", src, err)
	}
	return nil
}

// EnsureDir creates path and any missing parents.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return perrors.NewIOError("mkdir", path, err)
	}
	return nil
}

// CalculateFileChecksum streams path through SHA-256 without loading it
// fully into memory.
func CalculateFileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", perrors.NewIOError("open", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", perrors.NewIOError("read", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StreamFileChunks streams path's bytes as chunks onto out, closing out
// when done (on success, error, or context cancellation). It dispatches to
// the mmap reader for files at or above MmapThreshold when opts.UseMmap is
// set, and to a buffered reader otherwise.
func StreamFileChunks(ctx context.Context, path string, opts ReadOptions, out chan<- chunk.FileChunk) error {
	defer close(out)

	info, err := os.Stat(path)
	if err != nil {
		return perrors.NewIOError("stat", path, err)
	}

	size := chunk.Size(opts.ChunkSize)
	if size == 0 {
		size = chunk.OptimalForFileSize(info.Size())
	}

	if opts.UseMmap && info.Size() >= MmapThreshold {
		return streamMmap(ctx, path, info.Size(), int(size), opts, out)
	}
	return streamBuffered(ctx, path, info.Size(), int(size), opts, out)
}

func streamBuffered(ctx context.Context, path string, fileSize int64, chunkSize int, opts ReadOptions, out chan<- chunk.FileChunk) error {
	f, err := os.Open(path)
	if err != nil {
		return perrors.NewIOError("open", path, err)
	}
	defer f.Close()

	if opts.StartOffset > 0 {
		if _, err := f.Seek(opts.StartOffset, io.SeekStart); err != nil {
			return perrors.NewIOError("seek", path, err)
		}
	}

	remaining := opts.MaxBytes
	bounded := remaining > 0
	buf := make([]byte, chunkSize)
	var seq uint64
	offset := opts.StartOffset

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		readSize := chunkSize
		if bounded && int64(readSize) > remaining {
			readSize = int(remaining)
		}
		if bounded && remaining <= 0 {
			break
		}
		n, err := f.Read(buf[:readSize])
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			isFinal := errIsEOFAfter(f, offset+int64(n), fileSize) || (bounded && remaining-int64(n) <= 0)
			c, cerr := chunk.New(seq, offset, payload, isFinal)
			if cerr != nil {
				return cerr
			}
			if opts.ComputeChecksum {
				c = c.WithCalculatedChecksum()
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
			seq++
			offset += int64(n)
			if bounded {
				remaining -= int64(n)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return perrors.NewIOError("read", path, err)
		}
	}
	return nil
}

// errIsEOFAfter reports whether offset has reached fileSize, used to mark
// the last emitted chunk as final without a lookahead read.
func errIsEOFAfter(f *os.File, offset, fileSize int64) bool {
	return offset >= fileSize
}

func streamMmap(ctx context.Context, path string, fileSize int64, chunkSize int, opts ReadOptions, out chan<- chunk.FileChunk) error {
	f, err := os.Open(path)
	if err != nil {
		return perrors.NewIOError("open", path, err)
	}
	defer f.Close()

	region, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return perrors.NewIOError("mmap", path, err)
	}
	defer region.Unmap()

	start := opts.StartOffset
	end := fileSize
	if opts.MaxBytes > 0 && start+opts.MaxBytes < end {
		end = start + opts.MaxBytes
	}

	var seq uint64
	for offset := start; offset < end; {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		upper := offset + int64(chunkSize)
		if upper > end {
			upper = end
		}
		payload := make([]byte, upper-offset)
		copy(payload, region[offset:upper])
		isFinal := upper >= end
		c, err := chunk.New(seq, offset, payload, isFinal)
		if err != nil {
			return err
		}
		if opts.ComputeChecksum {
			c = c.WithCalculatedChecksum()
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
		offset = upper
	}
	return nil
}

// ReadFileMmap reads the entire file via a memory map and returns it as a
// single chunk, for callers that want the whole payload at once (small
// files, tests).
func ReadFileMmap(path string) (chunk.FileChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return chunk.FileChunk{}, perrors.NewIOError("open", path, err)
	}
	defer f.Close()

	region, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return chunk.FileChunk{}, perrors.NewIOError("mmap", path, err)
	}
	defer region.Unmap()

	payload := make([]byte, len(region))
	copy(payload, region)
	return chunk.New(0, 0, payload, true)
}

// WriteChunkToFile truncates path on the first call (isFirst) and appends
// on subsequent calls.
func WriteChunkToFile(path string, c chunk.FileChunk, isFirst bool, opts WriteOptions) error {
	if opts.CreateParentDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return perrors.NewIOError("mkdir", filepath.Dir(path), err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if isFirst && !opts.Append {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return perrors.NewIOError("open", path, err)
	}
	defer f.Close()

	if _, err := f.Write(c.Data()); err != nil {
		return perrors.NewIOError("write", path, err)
	}
	if opts.Fsync {
		if err := f.Sync(); err != nil {
			return perrors.NewIOError("fsync", path, err)
		}
	}
	return nil
}

// WriteFileChunks writes a full, in-order slice of chunks to path in one
// call, truncating any existing file.
func WriteFileChunks(path string, chunks []chunk.FileChunk, opts WriteOptions) error {
	for i, c := range chunks {
		if err := WriteChunkToFile(path, c, i == 0, opts); err != nil {
			return err
		}
	}
	return nil
}
