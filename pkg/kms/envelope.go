package kms

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var envelopeMagic = []byte("DKE1")

// Envelope seals small values (user passphrases, secrets at rest) under a
// fresh data key which is itself wrapped by the KMS adapter. The sealed form is
//
//	magic | wrappedLen u16 | wrapped key | nonce | ciphertext
//
// and the encryption context authenticates both layers.
type Envelope struct {
	adapter *Adapter
	cache   *KeyCache
}

func NewEnvelope(adapter *Adapter, cache *KeyCache) *Envelope {
	return &Envelope{adapter: adapter, cache: cache}
}

func (e *Envelope) Seal(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	defer wipe(dek)
	wrapped, err := e.adapter.Encrypt(ctx, dek, encContext)
	if err != nil {
		return nil, errors.Wrap(err, "wrap data key")
	}
	if len(wrapped) > 0xFFFF {
		return nil, errors.New("wrapped data key too large")
	}
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(envelopeMagic)+2+len(wrapped)+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out = append(out, envelopeMagic...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, serializeEncryptionContext(encContext)), nil
}

func (e *Envelope) Open(ctx context.Context, sealed []byte, encContext EncryptionContext) ([]byte, error) {
	hdr := len(envelopeMagic) + 2
	if len(sealed) < hdr || string(sealed[:len(envelopeMagic)]) != string(envelopeMagic) {
		return nil, ErrDecryptionFailed
	}
	n := int(binary.BigEndian.Uint16(sealed[len(envelopeMagic):hdr]))
	if len(sealed) < hdr+n+chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}
	wrapped := sealed[hdr : hdr+n]
	var dek []byte
	var err error
	if e.cache != nil {
		dek, err = e.cache.Unwrap(ctx, wrapped, encContext)
	} else {
		dek, err = e.adapter.Decrypt(ctx, wrapped, encContext)
	}
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	defer wipe(dek)
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	rest := sealed[hdr+n:]
	pt, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], serializeEncryptionContext(encContext))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
