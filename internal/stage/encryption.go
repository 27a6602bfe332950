package stage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"sync"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

// encryptedEnvelope prefixes ciphertext with its nonce so each chunk is
// independently decryptable without consulting sibling chunks.
func encryptedEnvelope(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func openEnvelope(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	n := aead.NonceSize()
	if len(sealed) < n {
		return nil, perrors.NewEncryption("ciphertext shorter than nonce size %d", n)
	}
	nonce, ct := sealed[:n], sealed[n:]
	return aead.Open(nil, nonce, ct, nil)
}

func keyFromConfig(stage string, cfg Configuration, size int) ([]byte, error) {
	encoded, ok := cfg.Param("key")
	if !ok {
		return nil, perrors.NewMissingParameter(stage, "key")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, perrors.NewInvalidParameter(stage, "key", "not valid base64")
	}
	if len(key) != size {
		return nil, perrors.NewInvalidParameter(stage, "key", "wrong length for algorithm")
	}
	return key, nil
}

// AESGCMService encrypts/decrypts chunks with AES-256-GCM. The key travels
// in the stage Configuration as a base64 parameter, set by the pipeline
// from key material minted by the keymaterial package.
type AESGCMService struct{ BaseService }

func NewAESGCMService() *AESGCMService { return &AESGCMService{} }

func (s *AESGCMService) Position() Position      { return PostBinary }
func (s *AESGCMService) IsReversible() bool      { return true }
func (s *AESGCMService) Type() Type              { return TypeEncryption }
func (s *AESGCMService) RequiresSequential() bool { return false }

func (s *AESGCMService) aead(cfg Configuration) (cipher.AEAD, error) {
	key, err := keyFromConfig("aes256gcm", cfg, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, perrors.NewEncryption("aes cipher init: %v", err)
	}
	return cipher.NewGCM(block)
}

func (s *AESGCMService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	aead, err := s.aead(cfg)
	if err != nil {
		return chunk.FileChunk{}, err
	}
	if cfg.Operation == Reverse {
		out, err := openEnvelope(aead, c.Data())
		if err != nil {
			return chunk.FileChunk{}, perrors.NewEncryption("aes-256-gcm authentication failed for chunk %d: %v", c.Sequence(), err)
		}
		return c.WithData(out)
	}
	out, err := encryptedEnvelope(aead, c.Data())
	if err != nil {
		return chunk.FileChunk{}, perrors.NewInternal("aes256gcm", c.Sequence(), "seal: %v", err)
	}
	return c.WithData(out)
}

// ChaCha20Poly1305Service encrypts/decrypts chunks with XChaCha20-Poly1305.
type ChaCha20Poly1305Service struct{ BaseService }

func NewChaCha20Poly1305Service() *ChaCha20Poly1305Service { return &ChaCha20Poly1305Service{} }

func (s *ChaCha20Poly1305Service) Position() Position      { return PostBinary }
func (s *ChaCha20Poly1305Service) IsReversible() bool      { return true }
func (s *ChaCha20Poly1305Service) Type() Type              { return TypeEncryption }
func (s *ChaCha20Poly1305Service) RequiresSequential() bool { return false }

func (s *ChaCha20Poly1305Service) aead(cfg Configuration) (cipher.AEAD, error) {
	key, err := keyFromConfig("chacha20poly1305", cfg, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

func (s *ChaCha20Poly1305Service) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	aead, err := s.aead(cfg)
	if err != nil {
		return chunk.FileChunk{}, err
	}
	if cfg.Operation == Reverse {
		out, err := openEnvelope(aead, c.Data())
		if err != nil {
			return chunk.FileChunk{}, perrors.NewEncryption("chacha20poly1305 authentication failed for chunk %d: %v", c.Sequence(), err)
		}
		return c.WithData(out)
	}
	out, err := encryptedEnvelope(aead, c.Data())
	if err != nil {
		return chunk.FileChunk{}, perrors.NewInternal("chacha20poly1305", c.Sequence(), "seal: %v", err)
	}
	return c.WithData(out)
}

// MLKEM768Service provides hybrid post-quantum encryption: an ML-KEM-768
// key encapsulation establishes a shared secret once per file, then every
// chunk is sealed with AES-256-GCM under a key derived from that secret.
// The KEM ciphertext is published into the ProcessingContext so the footer
// writer can persist it for restore.
type MLKEM768Service struct {
	BaseService
	once         sync.Once
	setupErr     error
	aead         cipher.AEAD
}

func NewMLKEM768Service() *MLKEM768Service { return &MLKEM768Service{} }

func (s *MLKEM768Service) Position() Position      { return PostBinary }
func (s *MLKEM768Service) IsReversible() bool      { return true }
func (s *MLKEM768Service) Type() Type              { return TypeEncryption }
func (s *MLKEM768Service) RequiresSequential() bool { return false }

func (s *MLKEM768Service) setupForward(cfg Configuration, pctx *ProcessingContext) {
	s.once.Do(func() {
		encoded, ok := cfg.Param("peer_public_key")
		if !ok {
			s.setupErr = perrors.NewMissingParameter("mlkem768", "peer_public_key")
			return
		}
		pubBytes, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.setupErr = perrors.NewInvalidParameter("mlkem768", "peer_public_key", "not valid base64")
			return
		}
		var pub mlkem768.PublicKey
		if err := pub.Unpack(pubBytes); err != nil {
			s.setupErr = perrors.NewInvalidParameter("mlkem768", "peer_public_key", "not a valid ML-KEM-768 public key")
			return
		}
		seed := make([]byte, mlkem768.EncapsulationSeedSize)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			s.setupErr = perrors.NewInternal("mlkem768", 0, "seed generation: %v", err)
			return
		}
		ct := make([]byte, mlkem768.CiphertextSize)
		ss := make([]byte, mlkem768.SharedKeySize)
		pub.EncapsulateTo(ct, ss, seed)

		aesKey := sha256.Sum256(ss)
		block, err := aes.NewCipher(aesKey[:])
		if err != nil {
			s.setupErr = perrors.NewEncryption("aes cipher init: %v", err)
			return
		}
		s.aead, s.setupErr = cipher.NewGCM(block)
		if pctx != nil {
			pctx.SetMetadata("mlkem768_kem_ciphertext", base64.StdEncoding.EncodeToString(ct))
		}
	})
}

func (s *MLKEM768Service) setupReverse(cfg Configuration, pctx *ProcessingContext) {
	s.once.Do(func() {
		encoded, ok := cfg.Param("private_key")
		if !ok {
			s.setupErr = perrors.NewMissingParameter("mlkem768", "private_key")
			return
		}
		privBytes, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.setupErr = perrors.NewInvalidParameter("mlkem768", "private_key", "not valid base64")
			return
		}
		var ctEncoded string
		ok = false
		if pctx != nil {
			ctEncoded, ok = pctx.Metadata("mlkem768_kem_ciphertext")
		}
		if !ok {
			ctEncoded, ok = cfg.Param("kem_ciphertext")
		}
		if !ok {
			s.setupErr = perrors.NewMissingParameter("mlkem768", "kem_ciphertext")
			return
		}
		ct, err := base64.StdEncoding.DecodeString(ctEncoded)
		if err != nil {
			s.setupErr = perrors.NewInvalidParameter("mlkem768", "kem_ciphertext", "not valid base64")
			return
		}
		var priv mlkem768.PrivateKey
		if err := priv.Unpack(privBytes); err != nil {
			s.setupErr = perrors.NewInvalidParameter("mlkem768", "private_key", "not a valid ML-KEM-768 private key")
			return
		}
		ss := make([]byte, mlkem768.SharedKeySize)
		priv.DecapsulateTo(ss, ct)

		aesKey := sha256.Sum256(ss)
		block, err := aes.NewCipher(aesKey[:])
		if err != nil {
			s.setupErr = perrors.NewEncryption("aes cipher init: %v", err)
			return
		}
		s.aead, s.setupErr = cipher.NewGCM(block)
	})
}

func (s *MLKEM768Service) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if cfg.Operation == Reverse {
		s.setupReverse(cfg, pctx)
		if s.setupErr != nil {
			return chunk.FileChunk{}, s.setupErr
		}
		out, err := openEnvelope(s.aead, c.Data())
		if err != nil {
			return chunk.FileChunk{}, perrors.NewEncryption("ml-kem-768 hybrid authentication failed for chunk %d: %v", c.Sequence(), err)
		}
		return c.WithData(out)
	}
	s.setupForward(cfg, pctx)
	if s.setupErr != nil {
		return chunk.FileChunk{}, s.setupErr
	}
	out, err := encryptedEnvelope(s.aead, c.Data())
	if err != nil {
		return chunk.FileChunk{}, perrors.NewInternal("mlkem768", c.Sequence(), "seal: %v", err)
	}
	return c.WithData(out)
}
