package executor

import (
	"context"
	"testing"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/stage"
)

type fakeStage struct {
	name      string
	stageType stage.Type
	position  stage.Position
	cfg       stage.Configuration
}

func (f fakeStage) Name() string                       { return f.name }
func (f fakeStage) StageType() stage.Type              { return f.stageType }
func (f fakeStage) Position() stage.Position           { return f.position }
func (f fakeStage) RequiresChecksum() bool             { return f.stageType == stage.TypeChecksum }
func (f fakeStage) Configuration() stage.Configuration { return f.cfg }

func TestExecutor_Execute_ChecksumStage(t *testing.T) {
	reg := stage.NewRegistry()
	ex := New(reg)
	pctx := stage.NewProcessingContext()
	st := fakeStage{name: "input_checksum", stageType: stage.TypeChecksum}

	c1, _ := chunk.New(0, 0, []byte("hello "), false)
	if _, err := ex.Execute(context.Background(), st, c1, pctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := pctx.Metadata("input_checksum"); ok {
		t.Error("checksum should not be published before final chunk")
	}

	c2, _ := chunk.New(1, 6, []byte("world"), true)
	if _, err := ex.Execute(context.Background(), st, c2, pctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	digest, ok := pctx.Metadata("input_checksum")
	if !ok || digest == "" {
		t.Error("expected checksum to be published after final chunk")
	}
}

func TestExecutor_Execute_CompressionStage(t *testing.T) {
	reg := stage.NewRegistry()
	ex := New(reg)
	st := fakeStage{
		name: "compress", stageType: stage.TypeCompression, position: stage.PostBinary,
		cfg: stage.Configuration{Algorithm: "zstd", Operation: stage.Forward},
	}
	c, _ := chunk.New(0, 0, []byte("compress me compress me compress me"), true)
	out, err := ex.Execute(context.Background(), st, c, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Data()) == 0 {
		t.Error("expected non-empty compressed output")
	}
}

func TestExecutor_Execute_UnknownAlgorithm(t *testing.T) {
	reg := stage.NewRegistry()
	ex := New(reg)
	st := fakeStage{name: "bogus", stageType: stage.TypeCompression, cfg: stage.Configuration{Algorithm: "nope"}}
	c, _ := chunk.New(0, 0, []byte("data"), true)
	if _, err := ex.Execute(context.Background(), st, c, nil); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestExecutor_ExecuteParallel_PreservesOrder(t *testing.T) {
	reg := stage.NewRegistry()
	ex := New(reg)
	st := fakeStage{
		name: "pass", stageType: stage.TypePassThrough, position: stage.Any,
		cfg: stage.Configuration{Algorithm: "passthrough"},
	}

	var chunks []chunk.FileChunk
	for i := uint64(0); i < 8; i++ {
		c, _ := chunk.New(i, int64(i), []byte{byte(i)}, i == 7)
		chunks = append(chunks, c)
	}

	out, err := ex.ExecuteParallel(context.Background(), st, chunks, nil, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, c := range out {
		if c.Sequence() != uint64(i) {
			t.Errorf("out[%d].Sequence() = %d, want %d", i, c.Sequence(), i)
		}
	}
}

func TestValidateOrdering_RejectsPreBinaryAfterPostBinary(t *testing.T) {
	stages := []PipelineStage{
		fakeStage{name: "encrypt", stageType: stage.TypeEncryption, position: stage.PostBinary},
		fakeStage{name: "base64", stageType: stage.TypeTransform, position: stage.PreBinary},
	}
	if err := ValidateOrdering(stages); err == nil {
		t.Error("expected ordering violation error")
	}
}

func TestValidateOrdering_AllowsChecksumAnywhere(t *testing.T) {
	stages := []PipelineStage{
		fakeStage{name: "input_checksum", stageType: stage.TypeChecksum},
		fakeStage{name: "compress", stageType: stage.TypeCompression, position: stage.PostBinary},
		fakeStage{name: "output_checksum", stageType: stage.TypeChecksum},
	}
	if err := ValidateOrdering(stages); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEstimateResources(t *testing.T) {
	st := fakeStage{name: "compress", stageType: stage.TypeCompression}
	est := EstimateResources(st, 100*1024*1024)
	if est.EstimatedSeconds <= 0 {
		t.Error("expected positive estimated seconds")
	}
	if est.EstimatedPeakBytes != 200*1024*1024 {
		t.Errorf("EstimatedPeakBytes = %d, want %d", est.EstimatedPeakBytes, 200*1024*1024)
	}
}
