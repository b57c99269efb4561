package token

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/atdiar/errors"
)

// shieldDelimiter separates the hex-encoded mask from the hex-encoded
// masked payload. It must not collide with a hex digit.
const shieldDelimiter = "--"

// Shield masks buf with a fresh random pad of the same length so that its
// compressed representation differs across responses, defeating a BREACH
// oracle that otherwise correlates compressed length with secret content.
// Shield(nil) == Shield([]byte{}) == "--".
func Shield(buf []byte) string {
	mask := make([]byte, len(buf))
	if len(buf) > 0 {
		if _, err := rand.Read(mask); err != nil {
			// crypto/rand failing is a fatal platform condition; there is
			// no safe degraded mode for a security primitive.
			panic(errors.New("token: failed to read random mask").Wraps(err))
		}
	}
	masked := xor(buf, mask)
	return hex.EncodeToString(mask) + shieldDelimiter + hex.EncodeToString(masked)
}

// Unshield recovers the buffer that Shield produced.
func Unshield(shielded string) ([]byte, error) {
	parts := strings.SplitN(shielded, shieldDelimiter, 2)
	if len(parts) != 2 {
		return nil, errors.New("token: malformed shielded value")
	}
	mask, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, errors.New("token: malformed shield mask").Wraps(err)
	}
	masked, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, errors.New("token: malformed shielded payload").Wraps(err)
	}
	if len(mask) != len(masked) {
		return nil, errors.New("token: shield mask/payload length mismatch")
	}
	return xor(masked, mask), nil
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
