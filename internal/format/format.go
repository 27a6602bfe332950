// Package format implements the .adapipe binary container: header,
// chunk-frame, and footer encode/decode, little-endian throughout with
// length-prefixed UTF-8 strings.
package format

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/FairForge/adapipe/internal/stage"
	"github.com/oklog/ulid/v2"
)

// Magic is the fixed 8-byte header magic.
var Magic = [8]byte{'A', 'D', 'A', 'P', 'I', 'P', 'E', '1'}

// FooterMagic is the fixed 8-byte footer magic.
var FooterMagic = [8]byte{'A', 'D', 'A', 'P', 'F', 'T', 'R', '1'}

// FormatVersion is the current on-disk format version this codec writes.
// A reader accepts any version ≤ FormatVersion it knows how to decode.
const FormatVersion uint16 = 1

// StageDescriptor is the on-disk representation of one pipeline stage:
// name, algorithm, operation direction, and its ordered parameter list
// (not a map, so two writes of the same pipeline are byte-identical).
type StageDescriptor struct {
	Name      string
	Algorithm string
	Operation stage.Operation
	Params    []Param
}

// Param is one ordered key/value pair of a stage's parameters.
type Param struct {
	Key   string
	Value string
}

// Header is the .adapipe header block.
type Header struct {
	FormatVersion  uint16
	PipelineID     ulid.ULID
	OriginalName   string
	OriginalSize   uint64
	OriginalSHA256 [32]byte
	ChunkSize      uint32
	CreatedAt      time.Time
	Stages         []StageDescriptor
}

// Footer is the .adapipe footer block. It repeats the header's pipeline id
// and stage descriptors, which ValidateHeaderFooterConsistency compares
// against the header, and adds the chunk count and the output digest. The
// original name, size, SHA-256, chunk size and creation time are stored in
// the header only.
type Footer struct {
	PipelineID     ulid.ULID
	Stages         []StageDescriptor
	ChunkCount     uint64
	OutputSHA256   [32]byte
	FooterLength   uint32
}

// ChunkFrame is one on-disk chunk record.
type ChunkFrame struct {
	SequenceNumber uint64
	Offset         uint64
	PayloadSHA256  *[32]byte // nil if per-chunk hashing is disabled
	Payload        []byte
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStages(w io.Writer, stages []StageDescriptor) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(stages))); err != nil {
		return err
	}
	for _, st := range stages {
		if err := writeString(w, st.Name); err != nil {
			return err
		}
		if err := writeString(w, st.Algorithm); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(st.Operation)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(st.Params))); err != nil {
			return err
		}
		for _, p := range st.Params {
			if err := writeString(w, p.Key); err != nil {
				return err
			}
			if err := writeString(w, p.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func readStages(r io.Reader) ([]StageDescriptor, error) {
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	stages := make([]StageDescriptor, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		algo, err := readString(r)
		if err != nil {
			return nil, err
		}
		var op uint8
		if err := binary.Read(r, binary.LittleEndian, &op); err != nil {
			return nil, err
		}
		var paramCount uint16
		if err := binary.Read(r, binary.LittleEndian, &paramCount); err != nil {
			return nil, err
		}
		params := make([]Param, 0, paramCount)
		for j := uint16(0); j < paramCount; j++ {
			k, err := readString(r)
			if err != nil {
				return nil, err
			}
			v, err := readString(r)
			if err != nil {
				return nil, err
			}
			params = append(params, Param{Key: k, Value: v})
		}
		stages = append(stages, StageDescriptor{Name: name, Algorithm: algo, Operation: stage.Operation(op), Params: params})
	}
	return stages, nil
}

// WriteHeader serializes h onto w.
func WriteHeader(w io.Writer, h Header) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return perrors.NewIOError("write", "header.magic", err)
	}
	if err := binary.Write(w, binary.LittleEndian, h.FormatVersion); err != nil {
		return perrors.NewIOError("write", "header.format_version", err)
	}
	if _, err := w.Write(h.PipelineID[:]); err != nil {
		return perrors.NewIOError("write", "header.pipeline_id", err)
	}
	if err := writeString(w, h.OriginalName); err != nil {
		return perrors.NewIOError("write", "header.original_name", err)
	}
	if err := binary.Write(w, binary.LittleEndian, h.OriginalSize); err != nil {
		return perrors.NewIOError("write", "header.original_size", err)
	}
	if _, err := w.Write(h.OriginalSHA256[:]); err != nil {
		return perrors.NewIOError("write", "header.original_sha256", err)
	}
	if err := binary.Write(w, binary.LittleEndian, h.ChunkSize); err != nil {
		return perrors.NewIOError("write", "header.chunk_size", err)
	}
	if err := writeString(w, h.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
		return perrors.NewIOError("write", "header.created_at", err)
	}
	if err := writeStages(w, h.Stages); err != nil {
		return perrors.NewIOError("write", "header.stages", err)
	}
	return nil
}

// ReadHeader deserializes a Header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Header{}, perrors.NewIOError("read", "header.magic", err)
	}
	if magic != Magic {
		return Header{}, perrors.NewIntegrity("not an .adapipe file: bad magic %q", magic)
	}
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.FormatVersion); err != nil {
		return Header{}, perrors.NewIOError("read", "header.format_version", err)
	}
	if h.FormatVersion > FormatVersion {
		return Header{}, perrors.NewInvalidConfiguration("unsupported format version %d (this build supports up to %d)", h.FormatVersion, FormatVersion)
	}
	if _, err := io.ReadFull(r, h.PipelineID[:]); err != nil {
		return Header{}, perrors.NewIOError("read", "header.pipeline_id", err)
	}
	var err error
	if h.OriginalName, err = readString(r); err != nil {
		return Header{}, perrors.NewIOError("read", "header.original_name", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.OriginalSize); err != nil {
		return Header{}, perrors.NewIOError("read", "header.original_size", err)
	}
	if _, err := io.ReadFull(r, h.OriginalSHA256[:]); err != nil {
		return Header{}, perrors.NewIOError("read", "header.original_sha256", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.ChunkSize); err != nil {
		return Header{}, perrors.NewIOError("read", "header.chunk_size", err)
	}
	createdAt, err := readString(r)
	if err != nil {
		return Header{}, perrors.NewIOError("read", "header.created_at", err)
	}
	h.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Header{}, perrors.NewIntegrity("header.created_at is not valid RFC3339: %v", err)
	}
	if h.Stages, err = readStages(r); err != nil {
		return Header{}, perrors.NewIOError("read", "header.stages", err)
	}
	return h, nil
}

// WriteChunkFrame serializes one chunk frame onto w.
func WriteChunkFrame(w io.Writer, f ChunkFrame) error {
	if err := binary.Write(w, binary.LittleEndian, f.SequenceNumber); err != nil {
		return perrors.NewIOError("write", "frame.sequence_number", err)
	}
	if err := binary.Write(w, binary.LittleEndian, f.Offset); err != nil {
		return perrors.NewIOError("write", "frame.offset", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(f.Payload))); err != nil {
		return perrors.NewIOError("write", "frame.payload_length", err)
	}
	hasHash := f.PayloadSHA256 != nil
	if err := binary.Write(w, binary.LittleEndian, hasHash); err != nil {
		return perrors.NewIOError("write", "frame.has_hash", err)
	}
	if hasHash {
		if _, err := w.Write(f.PayloadSHA256[:]); err != nil {
			return perrors.NewIOError("write", "frame.payload_sha256", err)
		}
	}
	if _, err := w.Write(f.Payload); err != nil {
		return perrors.NewIOError("write", "frame.payload", err)
	}
	return nil
}

// ReadChunkFrame deserializes one chunk frame from r.
func ReadChunkFrame(r io.Reader) (ChunkFrame, error) {
	var f ChunkFrame
	if err := binary.Read(r, binary.LittleEndian, &f.SequenceNumber); err != nil {
		return ChunkFrame{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &f.Offset); err != nil {
		return ChunkFrame{}, err
	}
	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return ChunkFrame{}, err
	}
	var hasHash bool
	if err := binary.Read(r, binary.LittleEndian, &hasHash); err != nil {
		return ChunkFrame{}, err
	}
	if hasHash {
		var sum [32]byte
		if _, err := io.ReadFull(r, sum[:]); err != nil {
			return ChunkFrame{}, err
		}
		f.PayloadSHA256 = &sum
	}
	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return ChunkFrame{}, err
	}
	return f, nil
}

// WriteFooter serializes ft onto w and returns the number of bytes written,
// matching the footer's own self-reported footer_length field.
func WriteFooter(w io.Writer, ft Footer) (int, error) {
	var buf bytes.Buffer
	buf.Write(FooterMagic[:])
	buf.Write(ft.PipelineID[:])
	if err := writeStages(&buf, ft.Stages); err != nil {
		return 0, perrors.NewIOError("write", "footer.stages", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, ft.ChunkCount); err != nil {
		return 0, perrors.NewIOError("write", "footer.chunk_count", err)
	}
	buf.Write(ft.OutputSHA256[:])

	length := uint32(buf.Len() + 4) // + the trailing length field itself
	if err := binary.Write(&buf, binary.LittleEndian, length); err != nil {
		return 0, perrors.NewIOError("write", "footer.footer_length", err)
	}

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return n, perrors.NewIOError("write", "footer", err)
	}
	return n, nil
}

// ReadFooter reads the trailing footer from a ReaderAt sized size, by
// seeking to the last 4 bytes for footer_length and then reading backward.
func ReadFooter(ra io.ReaderAt, size int64) (Footer, error) {
	if size < 4 {
		return Footer{}, perrors.NewIntegrity("file too short to contain a footer")
	}
	var lenBuf [4]byte
	if _, err := ra.ReadAt(lenBuf[:], size-4); err != nil {
		return Footer{}, perrors.NewIOError("read", "footer.footer_length", err)
	}
	footerLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	if footerLen <= 0 || footerLen > size {
		return Footer{}, perrors.NewIntegrity("footer length %d is out of range for file size %d", footerLen, size)
	}

	raw := make([]byte, footerLen)
	if _, err := ra.ReadAt(raw, size-footerLen); err != nil {
		return Footer{}, perrors.NewIOError("read", "footer", err)
	}
	r := bytes.NewReader(raw)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Footer{}, perrors.NewIOError("read", "footer.magic", err)
	}
	if magic != FooterMagic {
		return Footer{}, perrors.NewIntegrity("missing or corrupt footer: file is incomplete")
	}

	var ft Footer
	if _, err := io.ReadFull(r, ft.PipelineID[:]); err != nil {
		return Footer{}, perrors.NewIOError("read", "footer.pipeline_id", err)
	}
	var err error
	if ft.Stages, err = readStages(r); err != nil {
		return Footer{}, perrors.NewIOError("read", "footer.stages", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &ft.ChunkCount); err != nil {
		return Footer{}, perrors.NewIOError("read", "footer.chunk_count", err)
	}
	if _, err := io.ReadFull(r, ft.OutputSHA256[:]); err != nil {
		return Footer{}, perrors.NewIOError("read", "footer.output_sha256", err)
	}
	ft.FooterLength = uint32(footerLen)
	return ft, nil
}

// ValidateHeaderFooterConsistency enforces the hard rule that any
// deviation between header and footer pipeline/restore info is a read
// error.
func ValidateHeaderFooterConsistency(h Header, ft Footer) error {
	if h.PipelineID != ft.PipelineID {
		return perrors.NewIntegrity("header pipeline id %s does not match footer pipeline id %s", h.PipelineID, ft.PipelineID)
	}
	if len(h.Stages) != len(ft.Stages) {
		return perrors.NewIntegrity("header declares %d stages but footer declares %d", len(h.Stages), len(ft.Stages))
	}
	for i := range h.Stages {
		hs, fs := h.Stages[i], ft.Stages[i]
		same := hs.Name == fs.Name && hs.Algorithm == fs.Algorithm &&
			hs.Operation == fs.Operation && len(hs.Params) == len(fs.Params)
		for j := 0; same && j < len(hs.Params); j++ {
			same = hs.Params[j] == fs.Params[j]
		}
		if !same {
			return perrors.NewIntegrity("header/footer stage descriptor mismatch at index %d", i)
		}
	}
	return nil
}

// Writer buffers header and chunk-frame writes to an underlying file, and
// Finalize appends the footer. It is the only way the orchestrator's output
// writer touches the container format.
type Writer struct {
	w          *bufio.Writer
	closer     io.Closer
	header     Header
	chunkCount uint64
}

// NewWriter wraps dst, already opened by the caller, in a buffered writer
// and writes the header into that buffer; buffered bytes reach dst as the
// buffer fills and when Finalize or Abort flushes it.
func NewWriter(dst io.WriteCloser, h Header) (*Writer, error) {
	bw := bufio.NewWriter(dst)
	if err := WriteHeader(bw, h); err != nil {
		return nil, err
	}
	return &Writer{w: bw, closer: dst, header: h}, nil
}

// WriteChunk appends one chunk frame.
func (wr *Writer) WriteChunk(f ChunkFrame) error {
	if err := WriteChunkFrame(wr.w, f); err != nil {
		return err
	}
	wr.chunkCount++
	return nil
}

// Finalize writes the footer and flushes. It
// must be the last call made to the writer.
func (wr *Writer) Finalize(outputSHA256 [32]byte) error {
	ft := Footer{
		PipelineID:   wr.header.PipelineID,
		Stages:       wr.header.Stages,
		ChunkCount:   wr.chunkCount,
		OutputSHA256: outputSHA256,
	}
	if _, err := WriteFooter(wr.w, ft); err != nil {
		return err
	}
	if err := wr.w.Flush(); err != nil {
		return perrors.NewIOError("flush", "output", err)
	}
	return nil
}

// Abort flushes whatever has been written without a footer, leaving the
// file on disk but footer-less.
func (wr *Writer) Abort() error {
	return wr.w.Flush()
}

// Close closes the underlying writer.
func (wr *Writer) Close() error {
	return wr.closer.Close()
}
