package decoy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealAlgorithm = "xchacha20poly1305"
	sealInfo      = "shadowwall-payload-v1"
	sealVersion   = 1
)

// SealedPayload is a captured payload encrypted at rest. Raw intruder bytes
// never leave the process unencrypted.
type SealedPayload struct {
	Algorithm  string `json:"algorithm"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Version    int    `json:"version"`
}

// Sealer encrypts capture payloads under per-instance keys derived from one
// master key, so leaking a single instance key exposes only that instance.
type Sealer struct {
	master []byte
}

// NewSealer takes the master key as 64 hex characters.
func NewSealer(masterHex string) (*Sealer, error) {
	key, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{master: key}, nil
}

func (s *Sealer) derive(instanceID string) ([]byte, error) {
	hk := hkdf.New(sha256.New, s.master, []byte("shadowwall:"+instanceID), []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext bound to its instance: a payload cannot be
// replayed under another instance's record.
func (s *Sealer) Seal(instanceID string, plaintext []byte) (*SealedPayload, error) {
	key, err := s.derive(instanceID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(instanceID))
	return &SealedPayload{
		Algorithm:  sealAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Version:    sealVersion,
	}, nil
}

// Open decrypts a sealed payload recorded for the given instance.
func (s *Sealer) Open(instanceID string, p *SealedPayload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	if p.Algorithm != sealAlgorithm {
		return nil, fmt.Errorf("unsupported algorithm %q", p.Algorithm)
	}
	key, err := s.derive(instanceID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce length")
	}
	ct, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}
	return aead.Open(nil, nonce, ct, []byte(instanceID))
}
