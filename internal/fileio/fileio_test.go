package fileio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/FairForge/adapipe/internal/chunk"
)

func writeTempFile(t *testing.T, dir string, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestStreamFileChunks_CoversWholeFileInOrder(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 10*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	path := writeTempFile(t, dir, "in.bin", content)

	size, err := chunk.NewSize(4096)
	if err != nil {
		t.Fatalf("NewSize: %v", err)
	}

	out := make(chan chunk.FileChunk)
	errc := make(chan error, 1)
	go func() {
		errc <- StreamFileChunks(context.Background(), path, ReadOptions{ChunkSize: size}, out)
	}()

	var reassembled []byte
	var lastFinal bool
	var lastSeq uint64
	first := true
	for c := range out {
		if !first && c.Sequence() != lastSeq+1 {
			t.Errorf("non-dense sequence: got %d after %d", c.Sequence(), lastSeq)
		}
		first = false
		lastSeq = c.Sequence()
		lastFinal = c.IsFinal()
		reassembled = append(reassembled, c.Data()...)
	}
	if err := <-errc; err != nil {
		t.Fatalf("StreamFileChunks: %v", err)
	}
	if !lastFinal {
		t.Error("expected last chunk to be marked final")
	}
	if len(reassembled) != len(content) {
		t.Fatalf("reassembled length = %d, want %d", len(reassembled), len(content))
	}
	for i := range content {
		if reassembled[i] != content[i] {
			t.Fatalf("byte mismatch at offset %d", i)
			break
		}
	}
}

func TestWriteChunkToFile_TruncatesThenAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	// Simulate a stale prior run's leftovers.
	if err := os.WriteFile(path, []byte("stale-data-that-should-be-replaced"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c1, _ := chunk.New(0, 0, []byte("hello "), false)
	c2, _ := chunk.New(1, 6, []byte("world"), true)

	if err := WriteChunkToFile(path, c1, true, WriteOptions{}); err != nil {
		t.Fatalf("write first chunk: %v", err)
	}
	if err := WriteChunkToFile(path, c2, false, WriteOptions{}); err != nil {
		t.Fatalf("write second chunk: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestWriteChunkToFile_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "out.bin")
	c, _ := chunk.New(0, 0, []byte("payload"), true)

	if err := WriteChunkToFile(path, c, true, WriteOptions{CreateParentDirs: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !FileExists(path) {
		t.Error("expected file to exist after write with CreateParentDirs")
	}
}

func TestCalculateFileChecksum_Deterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "f.bin", []byte("checksum me"))

	sum1, err := CalculateFileChecksum(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum2, err := CalculateFileChecksum(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum1 != sum2 || sum1 == "" {
		t.Error("expected deterministic non-empty checksum")
	}
}

func TestGetFileInfo_AndFileExists(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "f.bin", []byte("12345"))

	if !FileExists(path) {
		t.Error("expected file to exist")
	}
	if FileExists(filepath.Join(dir, "missing.bin")) {
		t.Error("expected missing file to report false")
	}

	info, err := GetFileInfo(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Size != 5 {
		t.Errorf("Size = %d, want 5", info.Size)
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := writeTempFile(t, dir, "src.bin", []byte("move me"))
	dst := filepath.Join(dir, "moved", "dst.bin")

	if err := MoveFile(src, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if FileExists(src) {
		t.Error("expected source to be gone after move")
	}
	if !FileExists(dst) {
		t.Error("expected destination to exist after move")
	}
}
