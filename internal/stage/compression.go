package stage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ZstdService compresses/decompresses chunks with zstd, following the
// lazily-initialized encoder/decoder pattern the crypto package used for
// its pipeline compressor.
type ZstdService struct {
	BaseService
	level       int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	encoderOnce sync.Once
	decoderOnce sync.Once
	encoderErr  error
	decoderErr  error
}

func NewZstdService(level int) *ZstdService { return &ZstdService{level: level} }

func (s *ZstdService) Position() Position      { return PostBinary }
func (s *ZstdService) IsReversible() bool      { return true }
func (s *ZstdService) Type() Type              { return TypeCompression }
func (s *ZstdService) RequiresSequential() bool { return false }

func (s *ZstdService) getEncoder() (*zstd.Encoder, error) {
	s.encoderOnce.Do(func() {
		s.encoder, s.encoderErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.level)),
			zstd.WithEncoderConcurrency(1))
	})
	return s.encoder, s.encoderErr
}

func (s *ZstdService) getDecoder() (*zstd.Decoder, error) {
	s.decoderOnce.Do(func() {
		s.decoder, s.decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return s.decoder, s.decoderErr
}

func (s *ZstdService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if cfg.Operation == Reverse {
		dec, err := s.getDecoder()
		if err != nil {
			return chunk.FileChunk{}, perrors.NewInternal("zstd", c.Sequence(), "decoder init: %v", err)
		}
		out, err := decompressFrame(c.Data(), func(payload []byte) ([]byte, error) {
			decoded, err := dec.DecodeAll(payload, nil)
			if err != nil {
				return nil, perrors.NewIntegrity("zstd decompression failed for chunk %d: %v", c.Sequence(), err)
			}
			return decoded, nil
		})
		if err != nil {
			return chunk.FileChunk{}, err
		}
		return c.WithData(out)
	}
	enc, err := s.getEncoder()
	if err != nil {
		return chunk.FileChunk{}, perrors.NewInternal("zstd", c.Sequence(), "encoder init: %v", err)
	}
	out, err := compressFrame(c.Data(), func(data []byte) ([]byte, error) {
		return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
	})
	if err != nil {
		return chunk.FileChunk{}, err
	}
	return c.WithData(out)
}

// SnappyService compresses/decompresses chunks with Snappy.
type SnappyService struct{ BaseService }

func NewSnappyService() *SnappyService { return &SnappyService{} }

func (s *SnappyService) Position() Position      { return PostBinary }
func (s *SnappyService) IsReversible() bool      { return true }
func (s *SnappyService) Type() Type              { return TypeCompression }
func (s *SnappyService) RequiresSequential() bool { return false }

func (s *SnappyService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if cfg.Operation == Reverse {
		out, err := decompressFrame(c.Data(), func(payload []byte) ([]byte, error) {
			decoded, err := snappy.Decode(nil, payload)
			if err != nil {
				return nil, perrors.NewIntegrity("snappy decompression failed for chunk %d: %v", c.Sequence(), err)
			}
			return decoded, nil
		})
		if err != nil {
			return chunk.FileChunk{}, err
		}
		return c.WithData(out)
	}
	out, err := compressFrame(c.Data(), func(data []byte) ([]byte, error) {
		return snappy.Encode(nil, data), nil
	})
	if err != nil {
		return chunk.FileChunk{}, err
	}
	return c.WithData(out)
}

// LZ4Service compresses/decompresses chunks with LZ4.
type LZ4Service struct{ BaseService }

func NewLZ4Service() *LZ4Service { return &LZ4Service{} }

func (s *LZ4Service) Position() Position      { return PostBinary }
func (s *LZ4Service) IsReversible() bool      { return true }
func (s *LZ4Service) Type() Type              { return TypeCompression }
func (s *LZ4Service) RequiresSequential() bool { return false }

func (s *LZ4Service) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if cfg.Operation == Reverse {
		out, err := decompressFrame(c.Data(), func(payload []byte) ([]byte, error) {
			var buf bytes.Buffer
			r := lz4.NewReader(bytes.NewReader(payload))
			if _, err := io.Copy(&buf, r); err != nil {
				return nil, perrors.NewIntegrity("lz4 decompression failed for chunk %d: %v", c.Sequence(), err)
			}
			return buf.Bytes(), nil
		})
		if err != nil {
			return chunk.FileChunk{}, err
		}
		return c.WithData(out)
	}
	out, err := compressFrame(c.Data(), func(data []byte) ([]byte, error) {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, perrors.NewInternal("lz4", c.Sequence(), "write: %v", err)
		}
		if err := w.Close(); err != nil {
			return nil, perrors.NewInternal("lz4", c.Sequence(), "close: %v", err)
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		return chunk.FileChunk{}, err
	}
	return c.WithData(out)
}

// BrotliService compresses/decompresses chunks with Brotli. It is the
// registry's default for the CLI's generic "compression" stage token.
type BrotliService struct {
	BaseService
	quality int
}

func NewBrotliService(quality int) *BrotliService { return &BrotliService{quality: quality} }

func (s *BrotliService) Position() Position      { return PostBinary }
func (s *BrotliService) IsReversible() bool      { return true }
func (s *BrotliService) Type() Type              { return TypeCompression }
func (s *BrotliService) RequiresSequential() bool { return false }

func (s *BrotliService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if cfg.Operation == Reverse {
		out, err := decompressFrame(c.Data(), func(payload []byte) ([]byte, error) {
			var buf bytes.Buffer
			r := brotli.NewReader(bytes.NewReader(payload))
			if _, err := io.Copy(&buf, r); err != nil {
				return nil, perrors.NewIntegrity("brotli decompression failed for chunk %d: %v", c.Sequence(), err)
			}
			return buf.Bytes(), nil
		})
		if err != nil {
			return chunk.FileChunk{}, err
		}
		return c.WithData(out)
	}
	out, err := compressFrame(c.Data(), func(data []byte) ([]byte, error) {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, s.quality)
		if _, err := w.Write(data); err != nil {
			return nil, perrors.NewInternal("brotli", c.Sequence(), "write: %v", err)
		}
		if err := w.Close(); err != nil {
			return nil, perrors.NewInternal("brotli", c.Sequence(), "close: %v", err)
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		return chunk.FileChunk{}, err
	}
	return c.WithData(out)
}

// frameStored and frameEncoded mark a compression stage's one-byte output
// prefix: stored payloads passed ShouldCompress but didn't shrink (or failed
// it outright), encoded payloads were actually run through the codec.
const (
	frameStored  byte = 0x00
	frameEncoded byte = 0x01
)

// compressFrame runs encode over data when ShouldCompress admits it and the
// result is actually smaller, prefixing the output with a marker byte so
// decompressFrame on the restore path knows whether to invoke the codec.
func compressFrame(data []byte, encode func([]byte) ([]byte, error)) ([]byte, error) {
	if ShouldCompress(data, "") {
		encoded, err := encode(data)
		if err != nil {
			return nil, err
		}
		if len(encoded) < len(data) {
			return append([]byte{frameEncoded}, encoded...), nil
		}
	}
	stored := make([]byte, 0, len(data)+1)
	stored = append(stored, frameStored)
	return append(stored, data...), nil
}

// decompressFrame strips compressFrame's marker byte, invoking decode only
// for payloads that were actually encoded.
func decompressFrame(data []byte, decode func([]byte) ([]byte, error)) ([]byte, error) {
	if len(data) == 0 {
		return nil, perrors.NewIntegrity("compressed frame is empty")
	}
	marker, payload := data[0], data[1:]
	if marker == frameStored {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	return decode(payload)
}

// ShouldCompress applies the same magic-byte / content-type heuristics the
// crypto package used to skip compressing already-compressed media.
func ShouldCompress(data []byte, contentType string) bool {
	if len(data) < 512 {
		return false
	}
	skip := map[string]bool{
		"image/jpeg": true, "image/png": true, "image/gif": true, "image/webp": true,
		"video/mp4": true, "video/webm": true, "audio/mpeg": true,
		"application/zip": true, "application/gzip": true, "application/x-gzip": true,
		"application/x-bzip2": true, "application/x-xz": true, "application/pdf": true,
	}
	if skip[contentType] {
		return false
	}
	if len(data) >= 4 {
		switch {
		case data[0] == 0x50 && data[1] == 0x4B && data[2] == 0x03 && data[3] == 0x04: // ZIP
			return false
		case data[0] == 0x1F && data[1] == 0x8B: // GZIP
			return false
		case data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD: // ZSTD
			return false
		case data[0] == 0xFD && data[1] == 0x37 && data[2] == 0x7A && data[3] == 0x58: // XZ
			return false
		}
	}
	return true
}
