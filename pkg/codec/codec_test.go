package codec

import (
	"bytes"
	"drawchain/pkg/domain"
	"testing"

	"github.com/pkg/errors"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(Params{Time: 1, Memory: 8 * 1024, Threads: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := testCodec(t)
	for _, p := range [][]byte{
		[]byte("x"),
		[]byte(`<mxGraphModel><root><mxCell id="0"/></root></mxGraphModel>`),
		bytes.Repeat([]byte{0, 1, 2, 3}, 10000),
	} {
		sealed, err := c.Encrypt(p, "correct horse")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if !IsSealed(sealed) {
			t.Fatal("sealed output not recognised")
		}
		if bytes.Contains(sealed, p) && len(p) > 8 {
			t.Fatal("ciphertext contains plaintext")
		}
		got, err := c.Decrypt(sealed, "correct horse")
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch")
		}
	}
}

func TestWrongPassphrase(t *testing.T) {
	c := testCodec(t)
	sealed, err := c.Encrypt([]byte("secret diagram"), "alpha")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, err = c.Decrypt(sealed, "beta")
	if !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	c := testCodec(t)
	sealed, err := c.Encrypt([]byte("secret diagram"), "alpha")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 1
	header := append([]byte(nil), sealed...)
	header[5] ^= 0xff

	for name, in := range map[string][]byte{
		"empty":     nil,
		"plaintext": []byte("just some plain bytes that are long enough to pass a length check ....."),
		"truncated": sealed[:headerLen+4],
		"tampered":  tampered,
		"header":    header,
	} {
		if _, err := c.Decrypt(in, "alpha"); !errors.Is(err, domain.ErrDecryption) {
			t.Errorf("%s: expected ErrDecryption, got %v", name, err)
		}
	}
}

func TestEncrypt_Rejects(t *testing.T) {
	c := testCodec(t)
	if _, err := c.Encrypt([]byte("x"), ""); !errors.Is(err, domain.ErrPassphraseRequired) {
		t.Errorf("expected ErrPassphraseRequired, got %v", err)
	}
	if _, err := c.Encrypt(nil, "p"); !errors.Is(err, domain.ErrContentRequired) {
		t.Errorf("expected ErrContentRequired, got %v", err)
	}
}

func TestNew_Bounds(t *testing.T) {
	if _, err := New(Params{Time: 0, Memory: 8 * 1024, Threads: 1}); err == nil {
		t.Error("expected error for zero time")
	}
	if _, err := New(Params{Time: 1, Memory: 1024, Threads: 1}); err == nil {
		t.Error("expected error for low memory")
	}
	if _, err := New(DefaultParams()); err != nil {
		t.Errorf("default params rejected: %v", err)
	}
}
