package stage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

func encryptionRoundTrip(t *testing.T, svc Service, key []byte, original []byte) {
	t.Helper()
	encodedKey := base64.StdEncoding.EncodeToString(key)
	c, err := chunk.New(0, 0, original, true)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}

	fwdCfg := Configuration{Operation: Forward, Parameters: map[string]string{"key": encodedKey}}
	fwd, err := svc.ProcessChunk(context.Background(), c, fwdCfg, nil)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Equal(fwd.Data(), original) {
		t.Error("expected ciphertext to differ from plaintext")
	}

	revCfg := Configuration{Operation: Reverse, Parameters: map[string]string{"key": encodedKey}}
	rev, err := svc.ProcessChunk(context.Background(), fwd, revCfg, nil)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(rev.Data(), original) {
		t.Error("decrypted payload does not match original")
	}
}

func TestAESGCMService_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	encryptionRoundTrip(t, NewAESGCMService(), key, []byte("top secret chunk payload"))
}

func TestAESGCMService_RejectsMissingKey(t *testing.T) {
	svc := NewAESGCMService()
	c, _ := chunk.New(0, 0, []byte("data"), true)
	if _, err := svc.ProcessChunk(context.Background(), c, Configuration{Operation: Forward}, nil); err == nil {
		t.Error("expected error for missing key parameter")
	}
}

func TestAESGCMService_RejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	encodedKey := base64.StdEncoding.EncodeToString(key)
	svc := NewAESGCMService()

	c, _ := chunk.New(0, 0, []byte("payload"), true)
	fwd, err := svc.ProcessChunk(context.Background(), c, Configuration{Operation: Forward, Parameters: map[string]string{"key": encodedKey}}, nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tampered := append([]byte{}, fwd.Data()...)
	tampered[len(tampered)-1] ^= 0xFF
	tc, _ := fwd.WithData(tampered)

	if _, err := svc.ProcessChunk(context.Background(), tc, Configuration{Operation: Reverse, Parameters: map[string]string{"key": encodedKey}}, nil); err == nil {
		t.Error("expected authentication failure on tampered ciphertext")
	}
}

func TestChaCha20Poly1305Service_RoundTrip(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	rand.Read(key)
	encryptionRoundTrip(t, NewChaCha20Poly1305Service(), key, []byte("another secret payload"))
}

func TestMLKEM768Service_RoundTrip(t *testing.T) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("key generation: %v", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	original := []byte("hybrid post-quantum secret")
	c, err := chunk.New(0, 0, original, true)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}

	fwdSvc := NewMLKEM768Service()
	fwdCfg := Configuration{Operation: Forward, Parameters: map[string]string{
		"peer_public_key": base64.StdEncoding.EncodeToString(pubBytes),
	}}
	pctx := NewProcessingContext()
	fwd, err := fwdSvc.ProcessChunk(context.Background(), c, fwdCfg, pctx)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	kemCiphertext, ok := pctx.Metadata("mlkem768_kem_ciphertext")
	if !ok {
		t.Fatal("expected kem ciphertext to be published to processing context")
	}

	revSvc := NewMLKEM768Service()
	revCfg := Configuration{Operation: Reverse, Parameters: map[string]string{
		"private_key":    base64.StdEncoding.EncodeToString(privBytes),
		"kem_ciphertext": kemCiphertext,
	}}
	rev, err := revSvc.ProcessChunk(context.Background(), fwd, revCfg, nil)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(rev.Data(), original) {
		t.Error("decrypted payload does not match original")
	}
}

func TestEncryptionServices_ClassifyAsPostBinaryReversible(t *testing.T) {
	for _, svc := range []Service{
		NewAESGCMService(), NewChaCha20Poly1305Service(), NewMLKEM768Service(),
	} {
		if svc.Position() != PostBinary {
			t.Errorf("%T: Position() = %v, want PostBinary", svc, svc.Position())
		}
		if !svc.IsReversible() {
			t.Errorf("%T: expected reversible", svc)
		}
		if svc.Type() != TypeEncryption {
			t.Errorf("%T: Type() = %v, want TypeEncryption", svc, svc.Type())
		}
	}
}
