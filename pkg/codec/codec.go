// Package codec encrypts document payloads under a caller-supplied passphrase.
//
// Sealed layout: magic "DGE1" | time u32 | memory u32 | threads u8 |
// salt[16] | nonce[24] | XChaCha20-Poly1305 ciphertext.
package codec

import (
	"bytes"
	"crypto/rand"
	"drawchain/pkg/domain"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltLen    = 16
	keyLen     = chacha20poly1305.KeySize
	headerLen  = 4 + 4 + 4 + 1 + saltLen + chacha20poly1305.NonceSizeX
	maxTime    = 16
	maxMemory  = 1024 * 1024
	maxThreads = 32
)

var magic = []byte("DGE1")

type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

func DefaultParams() Params {
	return Params{Time: 3, Memory: 64 * 1024, Threads: 2}
}

type Codec struct {
	params Params
}

func New(p Params) (*Codec, error) {
	if p.Time < 1 || p.Time > maxTime {
		return nil, errors.Errorf("argon2 time must be in [1, %d]", maxTime)
	}
	if p.Memory < 8*1024 || p.Memory > maxMemory {
		return nil, errors.Errorf("argon2 memory must be in [8192, %d] KiB", maxMemory)
	}
	if p.Threads < 1 || p.Threads > maxThreads {
		return nil, errors.Errorf("argon2 threads must be in [1, %d]", maxThreads)
	}
	return &Codec{params: p}, nil
}

func (c *Codec) Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, domain.ErrPassphraseRequired
	}
	if len(plaintext) == 0 {
		return nil, domain.ErrContentRequired
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "read salt")
	}
	key := argon2.IDKey([]byte(passphrase), salt, c.params.Time, c.params.Memory, c.params.Threads, keyLen)
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	out := make([]byte, 0, headerLen+len(plaintext)+aead.Overhead())
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint32(out, c.params.Time)
	out = binary.BigEndian.AppendUint32(out, c.params.Memory)
	out = append(out, c.params.Threads)
	out = append(out, salt...)
	out = append(out, nonce...)
	header := out[:headerLen]
	return aead.Seal(out, nonce, plaintext, header), nil
}

// Decrypt reports every failure as domain.ErrDecryption; a wrong passphrase
// is indistinguishable from corrupted content.
func (c *Codec) Decrypt(sealed []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, domain.ErrPassphraseRequired
	}
	if !IsSealed(sealed) || len(sealed) < headerLen+chacha20poly1305.Overhead {
		return nil, errors.Wrap(domain.ErrDecryption, "malformed ciphertext")
	}
	off := len(magic)
	t := binary.BigEndian.Uint32(sealed[off:])
	off += 4
	m := binary.BigEndian.Uint32(sealed[off:])
	off += 4
	th := sealed[off]
	off++
	if t < 1 || t > maxTime || m < 8*1024 || m > maxMemory || th < 1 || th > maxThreads {
		return nil, errors.Wrap(domain.ErrDecryption, "kdf parameters out of bounds")
	}
	salt := sealed[off : off+saltLen]
	off += saltLen
	nonce := sealed[off : off+chacha20poly1305.NonceSizeX]
	key := argon2.IDKey([]byte(passphrase), salt, t, m, th, keyLen)
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryption, err.Error())
	}
	plaintext, err := aead.Open(nil, nonce, sealed[headerLen:], sealed[:headerLen])
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryption, "authentication failed")
	}
	if len(plaintext) == 0 {
		return nil, errors.Wrap(domain.ErrDecryption, "empty plaintext")
	}
	return plaintext, nil
}

func IsSealed(b []byte) bool {
	return len(b) >= headerLen && bytes.Equal(b[:len(magic)], magic)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
