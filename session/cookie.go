package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/atdiar/errors"
)

// cookieDelimiter separates the HMAC from the base64-encoded payload,
// exactly as in the teacher's handlers/session/sessioncookie.go.
const cookieDelimiter = ":"

// ErrBadCookie is returned when a session cookie fails signature
// verification or is structurally malformed.
var ErrBadCookie = errors.New("session: bad cookie")

// EncodeCookie produces the http.Cookie that carries only the session id
// (not the whole Snapshot — unlike the teacher's session package, which
// stuffed every field into the client cookie, restfuncs keeps user Fields
// server-side in the Store so a session can grow past the 4KB cookie
// limit; only the id, which is itself meaningless without the Store,
// travels to the browser).
func (h *Handler) EncodeCookie(id string) (*http.Cookie, error) {
	mac := computeHmac256([]byte(id), []byte(h.Cookie.Secret))
	value := mac + cookieDelimiter + base64.StdEncoding.EncodeToString([]byte(id))

	c := &http.Cookie{
		Name:     h.Cookie.Name,
		Value:    value,
		Path:     h.Cookie.Path,
		Domain:   h.Cookie.Domain,
		Secure:   h.Cookie.Secure,
		HttpOnly: h.Cookie.HttpOnly,
		MaxAge:   h.Cookie.MaxAge,
	}
	if len(c.String()) > 4096 {
		return nil, errors.New("session: encoded cookie exceeds the 4KB browser limit")
	}
	return c, nil
}

// ExpireCookie returns the Set-Cookie that instructs the browser to erase
// the session cookie immediately.
func (h *Handler) ExpireCookie() *http.Cookie {
	return &http.Cookie{
		Name:     h.Cookie.Name,
		Value:    "",
		Path:     h.Cookie.Path,
		Domain:   h.Cookie.Domain,
		Secure:   h.Cookie.Secure,
		HttpOnly: h.Cookie.HttpOnly,
		MaxAge:   -1,
	}
}

// IDFromRequest extracts and verifies the session id carried in the
// request's session cookie, returning "" (no error) if no cookie is
// present — the ordinary anonymous-visitor case.
func (h *Handler) IDFromRequest(r *http.Request) (string, error) {
	c, err := r.Cookie(h.Cookie.Name)
	if err != nil {
		return "", nil
	}
	return h.decodeCookieValue(c.Value)
}

func (h *Handler) decodeCookieValue(value string) (string, error) {
	parts := strings.SplitN(value, cookieDelimiter, 2)
	if len(parts) != 2 {
		return "", ErrBadCookie
	}
	mac, b64id := parts[0], parts[1]
	idBytes, err := base64.StdEncoding.DecodeString(b64id)
	if err != nil {
		return "", ErrBadCookie.Wraps(err)
	}
	if !verifyHmac256(idBytes, mac, []byte(h.Cookie.Secret)) {
		return "", ErrBadCookie.Wraps(errors.New("signature mismatch"))
	}
	return string(idBytes), nil
}

func computeHmac256(message, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifyHmac256(message []byte, macB64 string, secret []byte) bool {
	expected, err := base64.StdEncoding.DecodeString(macB64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hmac.Equal(expected, mac.Sum(nil))
}
