// Package errcode enumerates the error kinds of spec.md §7, each mapping
// to exactly one HTTP status so that restfuncs.Server never has to pattern
// match on an error string to decide what to send over the wire.
//
// The teacher's own github.com/atdiar/errcode package carries a narrow,
// cookie-specific vocabulary (BadCookie, NoID, ...) that has no room for
// the engine's error kinds (CSRF denial, transport-fatal, ...); this
// package follows the same Code-attached-to-an-error idiom
// (handlers/session/sessioncookie.go's `.Code(errcode.BadCookie)`) with its
// own, engine-scoped constants instead of importing the teacher's.
package errcode

// Code identifies one of the error kinds from spec.md §7.
type Code int

const (
	// None marks an error with no assigned kind; HTTPStatus falls back to 500.
	None Code = iota
	// ArgumentShape is a wrong type, wrong arity, unknown named key, or
	// forbidden named/positional mixture in an incoming call.
	ArgumentShape
	// SecurityDenial is a CSRF/origin/mode/token failure.
	SecurityDenial
	// NotRemote covers reserved-name, non-remote-method, and
	// missing-marker dispatch failures.
	NotRemote
	// MethodError is an error the called method itself raised.
	MethodError
	// CommunicationError is a method-raised error explicitly typed as a
	// communication error, carrying its own status instead of 500 (via
	// HTTPStatuser) — see WrapStatus.
	CommunicationError
	// NotLoggedIn is a session-identified-but-not-authenticated error: the
	// method determined from the session that the caller is not logged
	// in (spec.md §6's "session-identified not-logged-in" kind). Raise it
	// with NewNotLoggedIn.
	NotLoggedIn
	// TransportFatal is a malformed envelope, oversized payload, or
	// disallowed return type over a socket. socket.Connection closes the
	// connection on envelope-level violations it detects itself; a
	// TransportFatal error produced by a method call (such as a disallowed
	// return type) is sent back as an ordinary error result and the
	// connection stays open.
	TransportFatal
	// ConcurrentInit is the shared failure every caller of a
	// SingleRetryableOperation receives when the in-flight call fails.
	ConcurrentInit
	// NonErrorThrow marks a method that panicked/threw a non-error value;
	// the client must re-throw the original payload rather than an Error.
	NonErrorThrow
)

// HTTPStatus maps a Code to the status spec.md §6 assigns it. A
// CommunicationError's actual status is usually overridden per-instance
// (see StatusOf); this is only its fallback when no status was attached.
func (c Code) HTTPStatus() int {
	switch c {
	case ArgumentShape:
		return 400
	case SecurityDenial:
		return 403
	case NotRemote:
		return 404
	case MethodError:
		return 500
	case CommunicationError:
		return 500
	case NotLoggedIn:
		return 401
	case TransportFatal:
		return 500
	case ConcurrentInit:
		return 500
	case NonErrorThrow:
		return 550
	default:
		return 500
	}
}

// HTTPStatuser is implemented by a method-raised error that wants to pick
// its own HTTP status rather than take CommunicationError's Code-level
// default of 500 (spec.md §7: "status from the exception if it is a
// typed 'communication error'"). classifyMethodError looks for it.
type HTTPStatuser interface {
	HTTPStatus() int
}

// Error pairs a Code with the underlying error, in the teacher's
// `.Wraps(err).Code(code)` chaining idiom. It implements Unwrap so
// errors.As/errors.Is from the standard library still see through it.
type Error struct {
	Code Code
	Err  error
	// Status overrides Code.HTTPStatus() when non-zero; set by WrapStatus
	// for an error whose own type dictates its status.
	Status int
}

// Wrap attaches code to err. A nil err returns a nil *Error so callers can
// write `return errcode.Wrap(errcode.ArgumentShape, err)` without a
// separate nil check.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// WrapStatus attaches code to err along with an explicit HTTP status,
// overriding code's own default. Used for CommunicationError, whose
// whole point is to carry a caller-chosen status.
func WrapStatus(code Code, err error, status int) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err, Status: status}
}

// NewNotLoggedIn wraps err as the session-identified-not-logged-in kind
// (spec.md §6), resolving to status 401 regardless of what classifying a
// plain method-raised error would otherwise pick.
func NewNotLoggedIn(err error) *Error {
	return Wrap(NotLoggedIn, err)
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, defaulting to None otherwise.
func CodeOf(err error) Code {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return None
}

// StatusOf returns the HTTP status err should produce: an *Error's own
// Status if one was attached (WrapStatus), otherwise its Code's default.
// This is the status callers should actually write, instead of
// CodeOf(err).HTTPStatus(), so a CommunicationError's custom status is
// honored rather than collapsed to the Code-level default of 500.
func StatusOf(err error) int {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Status != 0 {
				return ce.Status
			}
			return ce.Code.HTTPStatus()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return None.HTTPStatus()
}
