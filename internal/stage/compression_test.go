package stage

import (
	"bytes"
	"context"
	"testing"

	"github.com/FairForge/adapipe/internal/chunk"
)

func roundTrip(t *testing.T, svc Service, original []byte) {
	t.Helper()
	c, err := chunk.New(0, 0, original, true)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}

	fwd, err := svc.ProcessChunk(context.Background(), c, Configuration{Operation: Forward}, nil)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	rev, err := svc.ProcessChunk(context.Background(), fwd, Configuration{Operation: Reverse}, nil)
	if err != nil {
		t.Fatalf("reverse failed: %v", err)
	}

	if !bytes.Equal(rev.Data(), original) {
		t.Errorf("round trip mismatch: got %q, want %q", rev.Data(), original)
	}
}

func TestZstdService_RoundTrip(t *testing.T) {
	roundTrip(t, NewZstdService(3), bytes.Repeat([]byte("hello zstd "), 100))
}

func TestSnappyService_RoundTrip(t *testing.T) {
	roundTrip(t, NewSnappyService(), bytes.Repeat([]byte("hello snappy "), 100))
}

func TestLZ4Service_RoundTrip(t *testing.T) {
	roundTrip(t, NewLZ4Service(), bytes.Repeat([]byte("hello lz4 "), 100))
}

func TestBrotliService_RoundTrip(t *testing.T) {
	roundTrip(t, NewBrotliService(4), bytes.Repeat([]byte("hello brotli "), 100))
}

func TestCompressionServices_ClassifyAsPostBinaryReversible(t *testing.T) {
	for _, svc := range []Service{
		NewZstdService(3), NewSnappyService(), NewLZ4Service(), NewBrotliService(4),
	} {
		if svc.Position() != PostBinary {
			t.Errorf("%T: Position() = %v, want PostBinary", svc, svc.Position())
		}
		if !svc.IsReversible() {
			t.Errorf("%T: expected reversible", svc)
		}
		if svc.Type() != TypeCompression {
			t.Errorf("%T: Type() = %v, want TypeCompression", svc, svc.Type())
		}
	}
}

func TestShouldCompress(t *testing.T) {
	small := []byte("short")
	if ShouldCompress(small, "") {
		t.Error("expected small payloads to be skipped")
	}

	text := bytes.Repeat([]byte("a"), 1024)
	if !ShouldCompress(text, "text/plain") {
		t.Error("expected plain text to be compressible")
	}

	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0}, 1024)...)
	if ShouldCompress(jpeg, "image/jpeg") {
		t.Error("expected jpeg content type to be skipped")
	}

	gzipMagic := append([]byte{0x1F, 0x8B, 0x08, 0x00}, bytes.Repeat([]byte{0}, 1024)...)
	if ShouldCompress(gzipMagic, "") {
		t.Error("expected gzip magic bytes to be skipped")
	}
}

// TestCompressionServices_SkipSmallPayloads exercises the ShouldCompress gate
// through ProcessChunk directly: a payload too small to bother compressing
// must still round-trip, stored rather than encoded.
func TestCompressionServices_SkipSmallPayloads(t *testing.T) {
	tiny := []byte("a tiny payload")
	for _, svc := range []Service{
		NewZstdService(3), NewSnappyService(), NewLZ4Service(), NewBrotliService(4),
	} {
		roundTrip(t, svc, tiny)
	}
}

// TestCompressionServices_SkipAlreadyCompressedMagic confirms a payload
// carrying a compressed-format magic prefix is stored rather than
// re-encoded, and still round-trips byte for byte.
func TestCompressionServices_SkipAlreadyCompressedMagic(t *testing.T) {
	gzipLike := append([]byte{0x1F, 0x8B, 0x08, 0x00}, bytes.Repeat([]byte{0x42}, 2048)...)
	for _, svc := range []Service{
		NewZstdService(3), NewSnappyService(), NewLZ4Service(), NewBrotliService(4),
	} {
		roundTrip(t, svc, gzipLike)
	}
}
