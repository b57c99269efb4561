package security

import (
	"crypto/subtle"

	"github.com/atdiar/restfuncs/session"
)

// Decision is the outcome of a Guard evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Presented holds the presented, BREACH-unshielded token strings for a
// security group, compared against the session snapshot's Issued tokens. It exists so
// Guard.Decide doesn't need to depend on the token package directly for
// the raw crypto (the session's TokenRef is already just ciphertext at
// this layer — identity comparison is enough because the caller has
// already decrypted and validated it before invoking Decide).
type Presented struct {
	// CSRFToken is the already-unshielded, already-decrypted value the
	// request presented for its security group's csrfToken, or "" if none
	// was presented.
	CSRFToken string
	// CORSReadToken is the same for the corsReadToken.
	CORSReadToken string
}

// Issued is what the caller looked up from the session
// snapshot for comparison — also already decrypted plaintext, or "" if the
// group has never been issued one.
type Issued struct {
	CSRFToken     string
	CORSReadToken string
}

// Guard evaluates the eight-step algorithm of spec.md §4.3.
type Guard struct {
	// DevSecurityDisabled reports whether every registered class agreed
	// to disable security in development (spec.md §6 Environment rule);
	// Server computes this once at Register time and passes it in.
	DevSecurityDisabled bool
}

// Decide returns allow/deny for one (request, session, group) triple.
// isSafe is whether the target method is marked safe (read-only).
// isBootstrap is whether the target method is the one that hands out a
// fresh corsReadToken (spec.md §4.3 step 8's bootstrap-method exception).
func (gd Guard) Decide(p Properties, sess *session.Snapshot, grp *Group, presented Presented, issued Issued, isSafe, isBootstrap bool) Decision {
	if gd.DevSecurityDisabled && grp.Options.DevDisableSecurity {
		return allow("security disabled in development")
	}

	enforced := enforcedMode(sess, p)

	if p.DeclaredMode != session.ModeUnset && p.DeclaredMode != enforced {
		return deny("declared protection mode conflicts with the session's committed mode")
	}

	if enforced == session.ModeCsrfToken {
		if p.BrowserMightHaveSecurityIssuseWithCrossOriginRequests {
			return deny("user agent is known-vulnerable under csrfToken mode")
		}
		if presented.CSRFToken != "" && issued.CSRFToken != "" &&
			constantTimeEqual(presented.CSRFToken, issued.CSRFToken) {
			return allow("valid csrfToken presented")
		}
		// No fall-through: in csrfToken mode a missing or invalid token is
		// denied outright; origin-allowedness below is not consulted.
		return deny("missing or invalid csrfToken")
	}

	origin := p.Origin
	if origin == "" {
		origin = p.Referer
	}
	if grp.Allows(origin) {
		return allow("origin is allow-listed")
	}

	if p.BrowserMightHaveSecurityIssuseWithCrossOriginRequests {
		return deny("user agent is known-vulnerable; no simple-request exception granted")
	}

	if enforced == session.ModeCorsReadToken {
		if p.ReadWasProven {
			return allow("prior read already proven for this session")
		}
		if presented.CORSReadToken != "" && issued.CORSReadToken != "" &&
			constantTimeEqual(presented.CORSReadToken, issued.CORSReadToken) {
			return allow("valid corsReadToken presented")
		}
		return deny("corsReadToken mode requires a proven prior read")
	}

	if p.CouldBeSimpleRequest {
		if p.Method == "GET" && isSafe {
			return allow("simple GET request to a method marked safe")
		}
		return deny("simple cross-site request cannot carry credentials without preflight")
	}

	// Not a simple request: a preflight must have passed for this request
	// to have reached the server at all.
	if isBootstrap {
		return allow("bootstrap method that hands out a corsReadToken")
	}
	if enforced == session.ModePreflight || enforced == session.ModeUnset {
		return allow("non-simple request implies a preflight already passed")
	}
	return deny("preflight trust does not apply under the session's enforced mode")
}

// enforcedMode is the session's already-committed mode if it has one,
// else the mode the request declares, else ModePreflight (spec.md §9
// open question a).
func enforcedMode(sess *session.Snapshot, p Properties) session.Mode {
	if sess != nil && sess.CSRFProtectionMode != session.ModeUnset {
		return sess.CSRFProtectionMode
	}
	if p.DeclaredMode != session.ModeUnset {
		return p.DeclaredMode
	}
	return session.ModePreflight
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
