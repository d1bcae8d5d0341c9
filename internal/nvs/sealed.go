package nvs

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "sealed:"

// SealedStore encrypts selected keys before handing them to the inner store.
// Values are XChaCha20-Poly1305 sealed under a key derived from the secret
// with HKDF-SHA256, and bound to their namespace and key name.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
	keys  map[string]bool
}

// NewSealed wraps inner so that the named keys are stored encrypted.
// Plaintext values already present under those keys are still readable and
// get sealed on the next write.
func NewSealed(inner Store, secret []byte, keys ...string) (*SealedStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("nvs: sealing secret must not be empty")
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("nvs: new aead: %w", err)
	}

	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &SealedStore{inner: inner, aead: aead, keys: set}, nil
}

// deriveKey uses HKDF-SHA256 to derive the 32-byte value key from the secret.
func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("firminia-nvs"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("nvs: HKDF: %w", err)
	}
	return key, nil
}

func (s *SealedStore) ReadNamespace(ns string) (map[string]string, error) {
	values, err := s.inner.ReadNamespace(ns)
	if err != nil {
		return nil, err
	}
	for k, v := range values {
		if !s.keys[k] || !strings.HasPrefix(v, sealedPrefix) {
			continue
		}
		plain, err := s.open(ns, k, v)
		if err != nil {
			return nil, err
		}
		values[k] = plain
	}
	return values, nil
}

func (s *SealedStore) WriteNamespace(ns string, values map[string]string) error {
	out := cloneValues(values)
	for k, v := range out {
		if !s.keys[k] || v == "" {
			continue
		}
		sealed, err := s.seal(ns, k, v)
		if err != nil {
			return err
		}
		out[k] = sealed
	}
	return s.inner.WriteNamespace(ns, out)
}

func (s *SealedStore) EraseNamespace(ns string) error { return s.inner.EraseNamespace(ns) }

func (s *SealedStore) Close() error { return s.inner.Close() }

func (s *SealedStore) seal(ns, key, value string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nvs: random nonce: %w", err)
	}
	// nonce || ciphertext || tag
	out := s.aead.Seal(nonce, nonce, []byte(value), associated(ns, key))
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func (s *SealedStore) open(ns, key, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("nvs: decoding %s/%s: %w", ns, key, err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("nvs: sealed value %s/%s too short", ns, key)
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, associated(ns, key))
	if err != nil {
		return "", fmt.Errorf("nvs: opening %s/%s: %w", ns, key, err)
	}
	return string(plain), nil
}

func associated(ns, key string) []byte {
	return []byte(ns + "/" + key)
}

var _ Store = (*SealedStore)(nil)
