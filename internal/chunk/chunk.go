package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/google/uuid"
)

// FileChunk is an immutable, sequence-numbered slice of a file's bytes.
// Every "mutation" method returns a new instance rather than modifying the
// receiver — there is no interior mutability.
type FileChunk struct {
	id        uuid.UUID
	sequence  uint64
	offset    int64
	data      []byte
	checksum  string // hex SHA-256, empty if not yet computed
	isFinal   bool
	createdAt time.Time
}

// New creates a FileChunk, validating payload size against known bounds.
func New(sequence uint64, offset int64, data []byte, isFinal bool) (FileChunk, error) {
	if len(data) == 0 {
		return FileChunk{}, perrors.NewInvalidChunk("payload must not be empty")
	}
	if len(data) > MaxSize {
		return FileChunk{}, perrors.NewInvalidChunk("payload size %d exceeds maximum %d", len(data), MaxSize)
	}
	return FileChunk{
		id:        uuid.New(),
		sequence:  sequence,
		offset:    offset,
		data:      data,
		isFinal:   isFinal,
		createdAt: time.Now().UTC(),
	}, nil
}

func (c FileChunk) ID() uuid.UUID       { return c.id }
func (c FileChunk) Sequence() uint64    { return c.sequence }
func (c FileChunk) Offset() int64       { return c.offset }
func (c FileChunk) Data() []byte        { return c.data }
func (c FileChunk) Size() int           { return len(c.data) }
func (c FileChunk) Checksum() string    { return c.checksum }
func (c FileChunk) IsFinal() bool       { return c.isFinal }
func (c FileChunk) CreatedAt() time.Time { return c.createdAt }

// WithData returns a new chunk carrying data, a fresh id, and a cleared
// checksum — any payload mutation must invalidate identity
// and integrity state together.
func (c FileChunk) WithData(data []byte) (FileChunk, error) {
	if len(data) == 0 {
		return FileChunk{}, perrors.NewInvalidChunk("payload must not be empty")
	}
	if len(data) > MaxSize {
		return FileChunk{}, perrors.NewInvalidChunk("payload size %d exceeds maximum %d", len(data), MaxSize)
	}
	n := c
	n.id = uuid.New()
	n.data = data
	n.checksum = ""
	n.createdAt = time.Now().UTC()
	return n, nil
}

// WithChecksum returns a new chunk with the given hex checksum set,
// preserving identity.
func (c FileChunk) WithChecksum(hexDigest string) FileChunk {
	n := c
	n.checksum = hexDigest
	return n
}

// WithCalculatedChecksum returns a new chunk whose checksum is the SHA-256
// of its current payload.
func (c FileChunk) WithCalculatedChecksum() FileChunk {
	sum := sha256.Sum256(c.data)
	return c.WithChecksum(hex.EncodeToString(sum[:]))
}

// WithoutData returns a new chunk with its payload scrubbed and checksum
// cleared, preserving identity, sequence, offset, and other metadata.
func (c FileChunk) WithoutData() FileChunk {
	n := c
	n.data = nil
	n.checksum = ""
	return n
}

// VerifyIntegrity recomputes the SHA-256 of the payload and compares it to
// the stored checksum. Returns an error if no checksum has been set.
func (c FileChunk) VerifyIntegrity() (bool, error) {
	if c.checksum == "" {
		return false, perrors.NewIntegrity("chunk %s has no checksum to verify against", c.id)
	}
	sum := sha256.Sum256(c.data)
	return hex.EncodeToString(sum[:]) == c.checksum, nil
}
