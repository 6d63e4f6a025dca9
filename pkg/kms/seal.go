package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrOpenFailed = errors.New("sealed content could not be opened")

// Sealer encrypts paste bodies with a per-paste data key. The paste id is the
// AEAD additional data and the key-wrapping context, so a body or wrapped key
// copied onto another record does not open.
type Sealer struct {
	adapter *Adapter
	cache   *DEKCache
}

func NewSealer(a *Adapter, cacheTTL time.Duration) *Sealer {
	return &Sealer{adapter: a, cache: NewDEKCache(a, cacheTTL)}
}

func (s *Sealer) Provider() string { return s.adapter.Name() }

func (s *Sealer) Seal(ctx context.Context, id string, plaintext []byte) (body, wrappedDEK []byte, err error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, err
	}
	defer wipeBytes(dek)
	body, err = AEADSeal(plaintext, dek, []byte(id))
	if err != nil {
		return nil, nil, err
	}
	wrappedDEK, err = s.adapter.Wrap(ctx, dek, EncryptionContext{"paste_id": id})
	if err != nil {
		return nil, nil, err
	}
	return body, wrappedDEK, nil
}

func (s *Sealer) Open(ctx context.Context, id string, body, wrappedDEK []byte) ([]byte, error) {
	dek, err := s.cache.Unwrap(ctx, wrappedDEK, EncryptionContext{"paste_id": id})
	if err != nil {
		return nil, err
	}
	defer wipeBytes(dek)
	plaintext, err := AEADOpen(body, dek, []byte(id))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func (s *Sealer) Stop() {
	s.cache.Stop()
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}
