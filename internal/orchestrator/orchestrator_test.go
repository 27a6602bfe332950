package orchestrator

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/FairForge/adapipe/internal/format"
	"github.com/FairForge/adapipe/internal/pipeline"
	"github.com/FairForge/adapipe/internal/stage"
)

func writeTempInput(t *testing.T, dir string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing temp input: %v", err)
	}
	return path
}

func randomKey(t *testing.T, size int) string {
	t.Helper()
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestOrchestrator_ProcessThenRestore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 200*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("generating content: %v", err)
	}
	inputPath := writeTempInput(t, dir, content)

	key := randomKey(t, 32)
	userStages := []pipeline.PipelineStage{
		pipeline.NewUserStage("compress", stage.TypeCompression, stage.PostBinary, stage.Configuration{
			Name: "compress", Algorithm: "zstd",
		}),
		pipeline.NewUserStage("encrypt", stage.TypeEncryption, stage.PostBinary, stage.Configuration{
			Name: "encrypt", Algorithm: "aes256gcm",
			Parameters: map[string]string{"key": key},
		}),
	}
	p, err := pipeline.New("round trip test", userStages)
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}

	registry := stage.NewRegistry()
	orch := New(registry, nil)

	containerPath := filepath.Join(dir, "output.adapipe")
	processResult, err := orch.Process(context.Background(), p, inputPath, containerPath, Options{Workers: 2})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if processResult.ChunksProcessed == 0 {
		t.Error("expected at least one chunk processed")
	}
	if processResult.OutputChecksum == "" {
		t.Error("expected a non-empty output checksum")
	}

	restoredPath := filepath.Join(dir, "restored.bin")
	restoreResult, err := orch.Restore(context.Background(), containerPath, restoredPath, Options{Workers: 2})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restoreResult.BytesWritten != int64(len(content)) {
		t.Errorf("BytesWritten = %d, want %d", restoreResult.BytesWritten, len(content))
	}

	restored, err := os.ReadFile(restoredPath)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(restored) != string(content) {
		t.Error("restored content does not match original")
	}
}

func TestOrchestrator_Process_RejectsBadOrdering(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeTempInput(t, dir, []byte("hello world"))

	userStages := []pipeline.PipelineStage{
		pipeline.NewUserStage("encrypt", stage.TypeEncryption, stage.PostBinary, stage.Configuration{
			Name: "encrypt", Algorithm: "aes256gcm", Parameters: map[string]string{"key": randomKey(t, 32)},
		}),
		pipeline.NewUserStage("base64", stage.TypeTransform, stage.PreBinary, stage.Configuration{
			Name: "base64", Algorithm: "base64",
		}),
	}
	p, err := pipeline.New("bad ordering", userStages)
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}

	registry := stage.NewRegistry()
	orch := New(registry, nil)

	_, err = orch.Process(context.Background(), p, inputPath, filepath.Join(dir, "out.adapipe"), Options{})
	if err == nil {
		t.Error("expected ordering violation error")
	}
}

// TestOrchestrator_Process_CancellationLeavesFooterlessOutput proves the
// output file is created before any chunk is processed: even a context
// cancelled before Process is called still leaves a partial container
// (header written, no footer) rather than no file at all.
func TestOrchestrator_Process_CancellationLeavesFooterlessOutput(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 500*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("generating content: %v", err)
	}
	inputPath := writeTempInput(t, dir, content)

	p, err := pipeline.New("cancel test", nil)
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}

	registry := stage.NewRegistry()
	orch := New(registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	containerPath := filepath.Join(dir, "out.adapipe")
	if _, err := orch.Process(ctx, p, inputPath, containerPath, Options{}); err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}

	data, readErr := os.ReadFile(containerPath)
	if readErr != nil {
		t.Fatalf("expected a partial output file on disk, got: %v", readErr)
	}
	if len(data) == 0 {
		t.Error("expected a non-empty header-only output file")
	}
	if bytes.Contains(data, format.FooterMagic[:]) {
		t.Error("expected no footer magic in a cancelled run's output")
	}
}

func TestOrchestrator_Process_PassThroughOnly(t *testing.T) {
	dir := t.TempDir()
	content := []byte("small file content for passthrough test")
	inputPath := writeTempInput(t, dir, content)

	p, err := pipeline.New("passthrough only", nil)
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}

	registry := stage.NewRegistry()
	orch := New(registry, nil)

	containerPath := filepath.Join(dir, "out.adapipe")
	if _, err := orch.Process(context.Background(), p, inputPath, containerPath, Options{}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	restoredPath := filepath.Join(dir, "restored.bin")
	if _, err := orch.Restore(context.Background(), containerPath, restoredPath, Options{}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	restored, err := os.ReadFile(restoredPath)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(restored) != string(content) {
		t.Error("restored content does not match original for checksum-only pipeline")
	}
}
