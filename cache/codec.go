package cache

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wudi/cascade/internal/logging"
)

// Codec authenticates and encrypts raw value bytes. Every Encode draws a
// fresh random nonce; the context bytes (the owning layer's name) are bound
// as associated data so ciphertext lifted from one layer cannot be replayed
// into another.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from a 32-byte key. cipherName selects the AEAD:
// "aes-gcm" (the default when empty) or "chacha20poly1305".
func NewCodec(key []byte, cipherName string) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("codec: key must be exactly 32 bytes (got %d)", len(key))
	}

	var aead cipher.AEAD
	var err error
	switch cipherName {
	case "", "aes-gcm":
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case "chacha20poly1305":
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("codec: unknown cipher %q", cipherName)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encode seals plaintext under a fresh nonce, prepending the nonce to the
// returned ciphertext.
func (c *Codec) Encode(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decode opens a nonce-prefixed ciphertext. Any tampering or corruption,
// including a context mismatch, yields ErrAuthentication.
func (c *Codec) Decode(data, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthentication)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// encryptedLayer decorates a layer with the codec, so storage only ever
// sees ciphertext. SizeBytes accounts for the post-encryption length.
type encryptedLayer struct {
	Layer
	codec     *Codec
	aad       []byte
	authFails atomic.Int64
}

// WithEncryption wraps a layer so every stored value is sealed under the
// codec with the layer's name as associated data.
func WithEncryption(l Layer, codec *Codec) Layer {
	return &encryptedLayer{
		Layer: l,
		codec: codec,
		aad:   []byte(l.Name()),
	}
}

func (l *encryptedLayer) Get(ctx context.Context, key string) (*Entry, bool) {
	e, ok := l.Layer.Get(ctx, key)
	if !ok {
		return nil, false
	}
	plaintext, err := l.codec.Decode(e.Value, l.aad)
	if err != nil {
		l.authFails.Add(1)
		logging.Error("cache entry failed authentication, treating as miss",
			zap.String("layer", l.Name()), zap.String("key", key), zap.Error(err))
		// The stored bytes are garbage either way; drop them.
		l.Layer.Delete(ctx, key)
		return nil, false
	}
	e.Value = plaintext
	return e, true
}

func (l *encryptedLayer) Set(ctx context.Context, e *Entry) error {
	sealed, err := l.codec.Encode(e.Value, l.aad)
	if err != nil {
		return err
	}
	cp := *e
	cp.Value = sealed
	cp.SizeBytes = int64(len(sealed))
	return l.Layer.Set(ctx, &cp)
}

func (l *encryptedLayer) BatchGet(ctx context.Context, keys []string) map[string]*Entry {
	raw := l.Layer.BatchGet(ctx, keys)
	out := make(map[string]*Entry, len(raw))
	for k, e := range raw {
		plaintext, err := l.codec.Decode(e.Value, l.aad)
		if err != nil {
			l.authFails.Add(1)
			logging.Error("cache entry failed authentication, treating as miss",
				zap.String("layer", l.Name()), zap.String("key", k), zap.Error(err))
			l.Layer.Delete(ctx, k)
			continue
		}
		e.Value = plaintext
		out[k] = e
	}
	return out
}

func (l *encryptedLayer) BatchSet(ctx context.Context, entries []*Entry) {
	sealed := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		ct, err := l.codec.Encode(e.Value, l.aad)
		if err != nil {
			continue
		}
		cp := *e
		cp.Value = ct
		cp.SizeBytes = int64(len(ct))
		sealed = append(sealed, &cp)
	}
	l.Layer.BatchSet(ctx, sealed)
}

func (l *encryptedLayer) Stats() Stats {
	s := l.Layer.Stats()
	s.Errors += l.authFails.Load()
	return s
}

// AuthFailures reports the number of tampered or corrupt entries seen.
func (l *encryptedLayer) AuthFailures() int64 {
	return l.authFails.Load()
}
