// Package token provides authenticated encryption of small typed payloads
// under a process-wide secret, plus BREACH-shielding for tokens that are
// echoed back to browsers inside a compressible HTTPS response.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/atdiar/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// minSecretLen is the shortest secret we will accept. Shorter than this and
// an attacker doing an offline search over the key space becomes feasible.
const minSecretLen = 8

const nonceLen = 24 // secretbox's fixed nonce size
const keyLen = 32    // secretbox's fixed key size

var (
	// ErrWrongType is returned by Decrypt when the embedded type tag does
	// not match the type the caller expected to find.
	ErrWrongType = errors.New("token: wrong type")
	// ErrDecryptFailed is returned by Decrypt on any cryptographic
	// mismatch: wrong secret, tampered ciphertext, or swapped nonce.
	ErrDecryptFailed = errors.New("token: decryption failed")
	// ErrSecretTooShort is returned when configuring a Box with a secret
	// shorter than minSecretLen bytes.
	ErrSecretTooShort = errors.New("token: secret too short")
	// ErrEmptySecret is the panic value when configuring a Box with an empty
	// secret; WithSecret panics rather than returning it, matching the teacher's
	// session.New behavior for a missing required secret.
	ErrEmptySecret = errors.New("token: secret is empty")
)

// Token is the wire shape of an encrypted payload. Type is a short ASCII
// tag identifying what the ciphertext decodes to (e.g. "csrf", "bridge").
type Token struct {
	Type       string `json:"type"`
	NonceB64   string `json:"nonce"`
	CipherB64  string `json:"ciphertext"`
}

// Box performs symmetric authenticated encryption over a fixed 32-byte
// secret, derived (as the sha256 digest, exactly 32 bytes) from whatever secret
// string the caller configures or, absent one, generated at startup.
type Box struct {
	key [keyLen]byte
}

// Option configures a Box at construction time, in the teacher's
// Option func(*T) error builder idiom (handlers/csrf/csrf.go Configurator).
type Option func(*Box) error

// WithSecret derives the Box's symmetric key from an operator-supplied
// secret. Two servers configured with the same secret interoperate.
func WithSecret(secret string) Option {
	return func(b *Box) error {
		if len(secret) == 0 {
			panic(ErrEmptySecret)
		}
		if len(secret) < minSecretLen {
			return ErrSecretTooShort
		}
		b.key = deriveKey(secret)
		return nil
	}
}

// NewBox creates a Box. Without WithSecret, a fresh random key is
// generated — suitable for a single-process deployment where tokens never
// need to be verified by a second server.
func NewBox(opts ...Option) (*Box, error) {
	b := &Box{}
	if _, err := rand.Read(b.key[:]); err != nil {
		return nil, errors.New("token: failed to generate process secret").Wraps(err)
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Encrypt authenticates and encrypts payload under typ, returning a Token
// ready to be shipped over the wire (§6 token format).
func (b *Box) Encrypt(payload []byte, typ string) (Token, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Token{}, errors.New("token: failed to generate nonce").Wraps(err)
	}
	// The type tag rides inside the sealed box so a ciphertext cannot be
	// replayed as a different type merely by relabeling it on the wire.
	sealed := make([]byte, 0, len(typ)+1+len(payload))
	sealed = append(sealed, byte(len(typ)))
	sealed = append(sealed, typ...)
	sealed = append(sealed, payload...)

	cipher := secretbox.Seal(nil, sealed, &nonce, &b.key)
	return Token{
		Type:      typ,
		NonceB64:  base64.StdEncoding.EncodeToString(nonce[:]),
		CipherB64: base64.StdEncoding.EncodeToString(cipher),
	}, nil
}

// Decrypt verifies and decrypts box, failing with ErrWrongType if the type
// tag inside the sealed box does not match expectedType, or
// ErrDecryptFailed on any cryptographic mismatch. The two failures are
// distinguishable so callers can log a tamper attempt differently from a
// caller-side programming error.
func (b *Box) Decrypt(box Token, expectedType string) ([]byte, error) {
	nonceBytes, err := base64.StdEncoding.DecodeString(box.NonceB64)
	if err != nil || len(nonceBytes) != nonceLen {
		return nil, ErrDecryptFailed
	}
	var nonce [nonceLen]byte
	copy(nonce[:], nonceBytes)

	cipherBytes, err := base64.StdEncoding.DecodeString(box.CipherB64)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	opened, ok := secretbox.Open(nil, cipherBytes, &nonce, &b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	if len(opened) == 0 {
		return nil, ErrDecryptFailed
	}
	typLen := int(opened[0])
	if len(opened) < 1+typLen {
		return nil, ErrDecryptFailed
	}
	typ := string(opened[1 : 1+typLen])
	if typ != expectedType {
		return nil, ErrWrongType
	}
	return opened[1+typLen:], nil
}

// deriveKey stretches an operator-supplied secret string to exactly
// keyLen bytes. This is not a slow KDF on purpose: the secret is expected
// to already carry enough entropy (an operator-managed random value), not
// a human password: callers after a password-strength KDF should derive
// their own key and pass it through a WithSecret value that already has
// full entropy.
func deriveKey(secret string) [keyLen]byte {
	var key [keyLen]byte
	h := sha256.Sum256([]byte(secret))
	copy(key[:], h[:])
	return key
}
