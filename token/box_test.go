package token_test

import (
	"bytes"
	"testing"

	"github.com/atdiar/restfuncs/token"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	b, err := token.NewBox(token.WithSecret("correct-horse-battery-staple"))
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("hello session")
	tok, err := b.Encrypt(payload, "csrf")
	if err != nil {
		t.Fatal(err)
	}

	got, err := b.Decrypt(tok, "csrf")
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestDecryptWrongType(t *testing.T) {
	b, _ := token.NewBox(token.WithSecret("correct-horse-battery-staple"))
	tok, _ := b.Encrypt([]byte("v"), "csrf")

	_, err := b.Decrypt(tok, "corsRead")
	if err != token.ErrWrongType {
		t.Fatalf("got %v, want ErrWrongType", err)
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	b1, _ := token.NewBox(token.WithSecret("correct-horse-battery-staple"))
	b2, _ := token.NewBox(token.WithSecret("a-totally-different-secret"))

	tok, _ := b1.Encrypt([]byte("v"), "csrf")
	_, err := b2.Decrypt(tok, "csrf")
	if err != token.ErrDecryptFailed {
		t.Fatalf("got %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptSwappedNonce(t *testing.T) {
	b, _ := token.NewBox(token.WithSecret("correct-horse-battery-staple"))

	tok1, _ := b.Encrypt([]byte("v1"), "csrf")
	tok2, _ := b.Encrypt([]byte("v2"), "csrf")

	swapped := tok1
	swapped.NonceB64 = tok2.NonceB64

	_, err := b.Decrypt(swapped, "csrf")
	if err != token.ErrDecryptFailed {
		t.Fatalf("got %v, want ErrDecryptFailed", err)
	}
}

func TestShortSecretRejected(t *testing.T) {
	_, err := token.NewBox(token.WithSecret("short"))
	if err != token.ErrSecretTooShort {
		t.Fatalf("got %v, want ErrSecretTooShort", err)
	}
}

func TestEmptySecretPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on empty secret")
		}
	}()
	_, _ = token.NewBox(token.WithSecret(""))
}

func TestTwoBoxesSameSecretInteroperate(t *testing.T) {
	b1, _ := token.NewBox(token.WithSecret("shared-process-secret"))
	b2, _ := token.NewBox(token.WithSecret("shared-process-secret"))

	tok, _ := b1.Encrypt([]byte("payload"), "bridge")
	got, err := b2.Decrypt(tok, "bridge")
	if err != nil {
		t.Fatalf("expected cross-server interop, got: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}
