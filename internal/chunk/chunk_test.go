package chunk

import (
	"bytes"
	"testing"
)

func TestNew_RejectsEmptyPayload(t *testing.T) {
	if _, err := New(0, 0, nil, true); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestWithData_ChangesIdentityAndClearsChecksum(t *testing.T) {
	c, err := New(0, 0, []byte("hello"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c = c.WithCalculatedChecksum()
	if c.Checksum() == "" {
		t.Fatal("expected checksum to be set")
	}

	n, err := c.WithData([]byte("world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID() == c.ID() {
		t.Error("WithData should assign a new id")
	}
	if n.Checksum() != "" {
		t.Error("WithData should clear the checksum")
	}
	if !bytes.Equal(n.Data(), []byte("world")) {
		t.Error("WithData should set the new payload")
	}
}

func TestWithoutData_ScrubsPayloadPreservesMetadata(t *testing.T) {
	c, _ := New(3, 30, []byte("payload"), true)
	c = c.WithCalculatedChecksum()

	scrubbed := c.WithoutData()
	if scrubbed.Data() != nil {
		t.Error("expected payload to be scrubbed")
	}
	if scrubbed.Checksum() != "" {
		t.Error("expected checksum to be cleared")
	}
	if scrubbed.Sequence() != c.Sequence() || scrubbed.Offset() != c.Offset() || scrubbed.IsFinal() != c.IsFinal() {
		t.Error("expected sequence/offset/final flag to be preserved")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	c, _ := New(0, 0, []byte("data"), false)

	if _, err := c.VerifyIntegrity(); err == nil {
		t.Error("expected error when no checksum is present")
	}

	withSum := c.WithCalculatedChecksum()
	ok, err := withSum.VerifyIntegrity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected checksum to verify")
	}

	tampered, _ := withSum.WithData([]byte("tampered"))
	tampered = tampered.WithChecksum(withSum.Checksum())
	ok, err = tampered.VerifyIntegrity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected checksum mismatch to be detected")
	}
}
