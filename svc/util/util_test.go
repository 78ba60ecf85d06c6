package util

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

var testSecret = []byte("0123456789abcdefghijklmnopqrstuvwxyzABCDEF")

func TestTokenIssuer_IssueVerify(t *testing.T) {
	iss, err := NewTokenIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := iss.Issue()
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = true
		if err := iss.Verify(tok); err != nil {
			t.Fatalf("Verify(%s): %v", tok, err)
		}
	}
}

func TestTokenIssuer_RejectsForgery(t *testing.T) {
	iss, _ := NewTokenIssuer(testSecret)
	other, _ := NewTokenIssuer([]byte("ZYXWVUTSRQPONMLKJIHGFEDCBA9876543210zyxwvu"))
	tok, _ := other.Issue()
	if err := iss.Verify(tok); err != ErrTokenForged {
		t.Fatalf("expected ErrTokenForged, got %v", err)
	}
	if err := iss.Verify("short"); err != ErrTokenMalformed {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
	if err := iss.Verify("!!!!not-base64!!!!"); err != ErrTokenMalformed {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
	good, _ := iss.Issue()
	raw, _ := base64.RawURLEncoding.DecodeString(good)
	raw[0] ^= 1
	if err := iss.Verify(base64.RawURLEncoding.EncodeToString(raw)); err != ErrTokenForged {
		t.Fatalf("expected ErrTokenForged for flipped bit, got %v", err)
	}
}

func TestNewTokenIssuer_Entropy(t *testing.T) {
	if _, err := NewTokenIssuer([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewTokenIssuer(bytes.Repeat([]byte("ab"), 32)); err == nil {
		t.Error("expected error for low-entropy key")
	}
}

func TestGenID(t *testing.T) {
	calls := 0
	id, err := GenID(func(id string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatalf("GenID: %v", err)
	}
	if calls != 3 {
		t.Errorf("exists called %d times, want 3", calls)
	}
	if len(id) != idLen {
		t.Errorf("id length = %d, want %d", len(id), idLen)
	}
	if _, err := GenID(func(string) (bool, error) { return true, nil }); err == nil {
		t.Error("expected collision error")
	}
}

func TestRedaction(t *testing.T) {
	if got := RedactOwner("0x1234567890abcdef1234"); got != "0x1234...1234" {
		t.Errorf("RedactOwner = %s", got)
	}
	if got := RedactSecret("url?passphrase=hunter2&x=1"); strings.Contains(got, "hunter2") {
		t.Errorf("RedactSecret leaked: %s", got)
	}
	if got := RedactIP("192.168.1.77:443"); got != "192.168.1.0" {
		t.Errorf("RedactIP = %s", got)
	}
	if got := RedactIP("[2001:db8:aaaa::1]:443"); got != "2001:db8::" {
		t.Errorf("RedactIP v6 = %s", got)
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP fallback = %s", got)
	}
	if got := RedactSecret("https://rpc.example/v1?api_key=abc123"); strings.Contains(got, "abc123") {
		t.Errorf("RedactSecret leaked: %s", got)
	}
}
