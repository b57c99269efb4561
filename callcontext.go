package restfuncs

import (
	"net/http"
	"sync/atomic"

	"github.com/atdiar/errors"
	"github.com/atdiar/restfuncs/errcode"
	"github.com/atdiar/restfuncs/registry"
	"github.com/atdiar/restfuncs/security"
	"github.com/atdiar/restfuncs/session"
	"github.com/atdiar/restfuncs/socket"
)

// ErrDetachedCallContext is returned by every CallContext/Service accessor
// once the call that owns it has ended (spec.md §3 Call Context invariant:
// "touching them from a detached continuation fails explicitly"; spec.md
// §5 Cancellation: "subsequent access ... must fail with a 'cannot access
// call context' error").
var ErrDetachedCallContext = errcode.Wrap(errcode.TransportFatal,
	errors.New("restfuncs: call context accessed after its call has ended"))

// CallContext is the per-call handle of spec.md §3's Call Context entity:
// exactly one of Request/Socket is ever non-nil, the other stays nil.
// It is built fresh for every inbound call and invalidated the instant the
// call's response has been fully written (or, for a streamed result, once
// the stream has been drained) — never reused across calls, and never
// safe to retain past that point.
type CallContext struct {
	request        *http.Request
	responseWriter http.ResponseWriter
	conn           *socket.Connection
	sessionView    *session.View
	group          *security.Group
	method         *registry.Method

	live int32
}

func newCallContext(r *http.Request, w http.ResponseWriter, conn *socket.Connection, view *session.View, grp *security.Group, m *registry.Method) *CallContext {
	return &CallContext{
		request:        r,
		responseWriter: w,
		conn:           conn,
		sessionView:    view,
		group:          grp,
		method:         m,
		live:           1,
	}
}

// invalidate marks the context detached; called by Server once the call's
// work (including any returned stream) has fully completed.
func (c *CallContext) invalidate() { atomic.StoreInt32(&c.live, 0) }

func (c *CallContext) isLive() bool { return atomic.LoadInt32(&c.live) == 1 }

// Req returns the inbound *http.Request, or ErrDetachedCallContext on a
// socket-originated call (no HTTP request exists) or after detachment.
func (c *CallContext) Req() (*http.Request, error) {
	if !c.isLive() {
		return nil, ErrDetachedCallContext
	}
	if c.request == nil {
		return nil, errors.New("restfuncs: this call did not arrive over HTTP")
	}
	return c.request, nil
}

// Res returns the response writer for an HTTP-originated call.
func (c *CallContext) Res() (http.ResponseWriter, error) {
	if !c.isLive() {
		return nil, ErrDetachedCallContext
	}
	if c.responseWriter == nil {
		return nil, errors.New("restfuncs: this call did not arrive over HTTP")
	}
	return c.responseWriter, nil
}

// Socket returns the socket connection for a socket-originated call.
func (c *CallContext) Socket() (*socket.Connection, error) {
	if !c.isLive() {
		return nil, ErrDetachedCallContext
	}
	if c.conn == nil {
		return nil, errors.New("restfuncs: this call did not arrive over a socket")
	}
	return c.conn, nil
}

// Session returns the mutable session view a method body reads/writes
// through. It is never nil on a live CallContext: a no-session visitor
// still gets an anonymous view (spec.md §4.2).
func (c *CallContext) Session() (*session.View, error) {
	if !c.isLive() {
		return nil, ErrDetachedCallContext
	}
	return c.sessionView, nil
}

// Get reads a session field. Equivalent to Session().Get(key) but fails
// the detachment check directly, the way the reserved `get` accessor is
// expected to on a service instance.
func (c *CallContext) Get(key string) (any, error) {
	if !c.isLive() {
		return nil, ErrDetachedCallContext
	}
	v, _ := c.sessionView.Get(key)
	return v, nil
}

// Set writes a session field.
func (c *CallContext) Set(key string, value any) error {
	if !c.isLive() {
		return ErrDetachedCallContext
	}
	c.sessionView.Set(key, value)
	return nil
}

// Group returns the security group the called method's class belongs to.
func (c *CallContext) Group() (*security.Group, error) {
	if !c.isLive() {
		return nil, ErrDetachedCallContext
	}
	return c.group, nil
}

// Method returns the descriptor of the method currently running.
func (c *CallContext) Method() (*registry.Method, error) {
	if !c.isLive() {
		return nil, ErrDetachedCallContext
	}
	return c.method, nil
}

// callContextSetter is implemented by Service via its unexported
// setCallContext method; only types embedding Service (from this package)
// can satisfy it, which is exactly the population restfuncs.Server clones
// and injects a CallContext into per call.
type callContextSetter interface {
	setCallContext(*CallContext)
}

// Service is embedded by value in every registered service struct. It
// gives method bodies the req/res/session/get/set accessors spec.md §3's
// Call Context calls for, under the exact reserved names
// registry.ReservedNames blocks from also being exposed as remote methods.
//
// Each inbound call runs against a shallow per-call clone of the
// registered struct (Server.invoke), so concurrent calls on one long-lived
// instance never share one Service value — every other field on the
// struct (a database handle, a logger, ...) stays the same shared value
// across the clone, only the embedded CallContext differs per call. This
// mirrors the per-call "this" restfuncs's original environment gives a
// method body, translated into Go's value-copy idiom instead of a
// prototype trick.
type Service struct {
	cc *CallContext
}

func (s *Service) setCallContext(cc *CallContext) { s.cc = cc }

// Req is the reserved `req` accessor.
func (s *Service) Req() (*http.Request, error) {
	if s.cc == nil {
		return nil, ErrDetachedCallContext
	}
	return s.cc.Req()
}

// Res is the reserved `res` accessor.
func (s *Service) Res() (http.ResponseWriter, error) {
	if s.cc == nil {
		return nil, ErrDetachedCallContext
	}
	return s.cc.Res()
}

// Session is the reserved `session` accessor.
func (s *Service) Session() (*session.View, error) {
	if s.cc == nil {
		return nil, ErrDetachedCallContext
	}
	return s.cc.Session()
}

// Get is the reserved `get` accessor, reading a session field.
func (s *Service) Get(key string) (any, error) {
	if s.cc == nil {
		return nil, ErrDetachedCallContext
	}
	return s.cc.Get(key)
}

// Set is the reserved `set` accessor, writing a session field.
func (s *Service) Set(key string, value any) error {
	if s.cc == nil {
		return ErrDetachedCallContext
	}
	return s.cc.Set(key, value)
}
