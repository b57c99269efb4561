// Package bridge implements TokenBridge (spec.md §4.6): the signed,
// encrypted token that transfers HTTP-side trust (the cookie-session
// snapshot, the derived SecurityPropertiesOfHttpRequest, and the set of
// security groups it covers) onto a specific socket connection.
//
// Grounded on handlers/oauth2/oauth2.go's mint-on-one-leg,
// verify-on-the-next pattern (a state nonce is minted into the session on
// the login leg and checked against the callback leg); here the "state"
// is the socket id itself, carried inside an encrypted token instead of
// a plain session field, and "the next leg" is the client resending the
// token over the WebSocket rather than a second HTTP round trip.
package bridge

import (
	"encoding/json"

	"github.com/atdiar/errors"
	"github.com/atdiar/restfuncs/security"
	"github.com/atdiar/restfuncs/session"
	"github.com/atdiar/restfuncs/token"
)

// tokenType is the Box type tag a bridge token is encrypted under, so a
// token minted for a different purpose can never be accepted here even
// if it decrypts successfully under the same secret.
const tokenType = "restfuncs-bridge-token"

// Token is the payload sealed inside the wire token: spec.md §4.6's "the
// socket id, the derived SecurityPropertiesOfHttpRequest, the current
// cookie-session snapshot, and the list of security groups the token
// covers".
type Token struct {
	SocketID string              `json:"socketId"`
	Security security.Properties `json:"security"`
	Session  *session.Snapshot   `json:"session"`
	Groups   []string            `json:"groups"`
}

// ErrSocketMismatch is returned by Accept when the token's embedded
// socket id does not match the socket it arrived on — the verification
// spec.md §4.6 requires ("the server verifies that the socket-id inside
// the token matches the receiving socket before trusting the payload").
var ErrSocketMismatch = errors.New("bridge: token's socket id does not match the receiving socket")

// ErrReplayedVersion is returned when a session update delivered through
// the bridge does not advance the session by exactly one version
// (spec.md §4.6: "a token whose version is not exactly one greater than
// the socket's current view is rejected").
var ErrReplayedVersion = errors.New("bridge: session version is not exactly one greater than the socket's current view")

// Issue mints a bridge token for the given socket, scoped to groups, sealed
// under box. This is the HTTP-side call: the client fetches it over a
// normal HTTP request and then ferries it to the server over the socket.
func Issue(box *token.Box, t Token) (token.Token, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return token.Token{}, errors.New("bridge: failed to marshal token payload").Wraps(err)
	}
	return box.Encrypt(data, tokenType)
}

// Accept decrypts and validates a bridge token presented over socketID,
// requiring the embedded socket id to match. It does not itself check
// the version-monotonicity rule — that is AcceptSessionUpdate's job, for
// the narrower case of a session-carrying token arriving mid-connection.
func Accept(box *token.Box, wire token.Token, socketID string) (Token, error) {
	data, err := box.Decrypt(wire, tokenType)
	if err != nil {
		return Token{}, errors.New("bridge: failed to decrypt token").Wraps(err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, errors.New("bridge: malformed token payload").Wraps(err)
	}
	if t.SocketID != socketID {
		return Token{}, ErrSocketMismatch
	}
	return t, nil
}

// AcceptSessionUpdate validates a bridge token that re-delivers a fresh
// session snapshot mid-connection (spec.md §4.6 "Session update
// direction"): it must pass Accept's socket-id check, and its session
// version must be exactly one greater than currentVersion.
func AcceptSessionUpdate(box *token.Box, wire token.Token, socketID string, currentVersion uint64) (Token, error) {
	t, err := Accept(box, wire, socketID)
	if err != nil {
		return Token{}, err
	}
	if t.Session == nil {
		return Token{}, errors.New("bridge: session update token carries no session snapshot")
	}
	if t.Session.Version != currentVersion+1 {
		return Token{}, ErrReplayedVersion
	}
	return t, nil
}
