// Package restfuncs is the top-level entry point: it wires registry,
// session, security, dispatch, socket, bridge and token into one server
// that exposes registered service classes as callable remote methods over
// both plain HTTP and a persistent WebSocket, per spec.md §2's data flow.
//
// Grounded on the teacher's handler.go Handler/HandlerLinker composition
// (kept in this package for request-chain middleware, see handler.go and
// middleware.go) generalized from "serve a fixed route tree" into "serve a
// method name resolved out of the remainder of the path".
package restfuncs

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/atdiar/errors"
	"github.com/gorilla/websocket"

	"github.com/atdiar/restfuncs/bridge"
	"github.com/atdiar/restfuncs/dispatch"
	"github.com/atdiar/restfuncs/errcode"
	"github.com/atdiar/restfuncs/registry"
	"github.com/atdiar/restfuncs/security"
	"github.com/atdiar/restfuncs/session"
	"github.com/atdiar/restfuncs/socket"
	"github.com/atdiar/restfuncs/token"
)

// SecurityConfigurer is implemented by a service struct that wants a
// non-default security.Options for its class's Group (spec.md §3
// SecurityGroup). A class without one gets the zero Options (no allowed
// origins, preflight mode) — the conservative default.
type SecurityConfigurer interface {
	SecurityOptions() security.Options
}

// DefaultFieldser is implemented by a service struct that wants default
// session.View fields seeded for any visitor who has never committed a
// session yet. Server.Register calls it twice and rejects a nondeterministic
// result, then merges it with every other registered class's defaults,
// rejecting two classes that disagree on one key (spec.md §4.2 "class-
// compatibility check").
type DefaultFieldser interface {
	DefaultSessionFields() map[string]any
}

// ClassOption configures a classEntry at Server.Register time.
type ClassOption func(*classEntry)

// WithSecurityOptions overrides the security.Options a class's Group is
// fingerprinted from, taking precedence over an implemented
// SecurityConfigurer.
func WithSecurityOptions(o security.Options) ClassOption {
	return func(ce *classEntry) { ce.securityOptions = o }
}

type classEntry struct {
	class           *registry.Class
	instance        any
	securityOptions security.Options
	group           *security.Group
}

// Option configures a Server at construction time (the teacher's
// Option func(*T) builder idiom, e.g. handlers/session/session.go's With*
// chain).
type Option func(*Server)

// WithBasePath sets the path prefix every remote call is served under
// (spec.md §6 "Path grammar: /<basePath>/<methodName>[/<arg>]*"). Default
// "/api".
func WithBasePath(p string) Option {
	return func(s *Server) { s.BasePath = p }
}

// WithDevelopment toggles the environment flag spec.md §6 describes: a
// class that opts into DevDisableSecurity only gets the bypass if every
// registered class agrees to and the server itself is marked development.
func WithDevelopment(dev bool) Option {
	return func(s *Server) { s.Development = dev }
}

// WithLogger attaches a *log.Logger; nil keeps the package default.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.Log = l }
}

// WithUpgrader overrides the default permissive websocket.Upgrader. CORS/
// CSRF enforcement for socket calls happens per-call in Guard.Decide, not
// at the handshake, so the default upgrader's CheckOrigin simply accepts
// every origin.
func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

// Server is restfuncs's top-level handler: an http.Handler for plain calls
// and a websocket entry point (ServeSocket) for persistent connections.
type Server struct {
	BasePath    string
	Development bool
	Log         *log.Logger

	sessions *session.Handler
	tokens   *token.Box
	secGroup *security.Registry
	upgrader websocket.Upgrader

	mu             sync.RWMutex
	classes        map[string]*classEntry
	methods        map[string]*classEntry
	defaultFields  map[string]any
	allDevDisabled bool

	sockets *hmap
}

// socketState is the per-connection cache TokenBridge populates: the
// session snapshot and security properties resolved from the client's
// bridgeToken handshake (spec.md §4.6). A socket that has not yet
// completed the handshake is treated as anonymous/unauthenticated — calls
// still dispatch, they simply see no session and no allow-listed origin,
// same as any other credential-less request.
type socketState struct {
	mu    sync.Mutex
	snap  *session.Snapshot
	props security.Properties
}

// New returns a Server backed by sessions (session cookie/store) and
// tokens (the Box that seals bridge/CSRF tokens). Register service classes
// with Register before serving traffic.
func New(sessions *session.Handler, tokens *token.Box, opts ...Option) *Server {
	s := &Server{
		BasePath:       "/api",
		Log:            log.Default(),
		sessions:       sessions,
		tokens:         tokens,
		secGroup:       security.NewRegistry(),
		upgrader:       websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		classes:        map[string]*classEntry{},
		methods:        map[string]*classEntry{},
		defaultFields:  map[string]any{},
		allDevDisabled: true,
		sockets:        newHMap(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.Log == nil {
		s.Log = log.Default()
	}
	return s
}

// Register exposes c's methods remotely. svc must embed restfuncs.Service
// (the reserved req/res/session/get/set accessors); the method names c
// carries must be globally unique across every class registered on this
// Server, since spec.md §6's path grammar resolves a method by name alone,
// with no class segment.
func (s *Server) Register(c *registry.Class, svc any, opts ...ClassOption) error {
	if _, ok := svc.(callContextSetter); !ok {
		return errors.New("restfuncs: service " + c.Name + " does not embed restfuncs.Service")
	}

	ce := &classEntry{class: c, instance: svc}
	if configurer, ok := svc.(SecurityConfigurer); ok {
		ce.securityOptions = configurer.SecurityOptions()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ce)
		}
	}
	ce.group = s.secGroup.GroupFor(c.Name, ce.securityOptions)

	if dfer, ok := svc.(DefaultFieldser); ok {
		first := dfer.DefaultSessionFields()
		second := dfer.DefaultSessionFields()
		if !reflect.DeepEqual(first, second) {
			return errors.New("restfuncs: " + c.Name + "'s DefaultSessionFields is not deterministic")
		}
		for k, v := range first {
			if existing, ok := s.defaultFields[k]; ok && !reflect.DeepEqual(existing, v) {
				return errors.New("restfuncs: " + c.Name + " declares a default session field \"" + k + "\" that conflicts with an already-registered class")
			}
			s.defaultFields[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range c.Names() {
		if existing, ok := s.methods[name]; ok && existing != ce {
			return errors.New("restfuncs: method name \"" + name + "\" is already registered by class " + existing.class.Name)
		}
	}
	for _, name := range c.Names() {
		s.methods[name] = ce
	}
	s.classes[c.Name] = ce
	if !ce.securityOptions.DevDisableSecurity {
		s.allDevDisabled = false
	}
	return nil
}

func (s *Server) guard() security.Guard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return security.Guard{DevSecurityDisabled: s.Development && s.allDevDisabled}
}

func (s *Server) applyDefaultFields(view *session.View, snap *session.Snapshot) {
	if !snap.IsAnonymous() {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.defaultFields {
		if _, ok := view.Get(k); !ok {
			view.Set(k, v)
		}
	}
}

// ServeHTTP implements spec.md §4.4's HttpDispatcher entry point.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	methodName, pathArgs, ok := s.resolvePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.mu.RLock()
	ce, found := s.methods[methodName]
	s.mu.RUnlock()
	if !found {
		s.writeError(w, errcode.Wrap(errcode.NotRemote, errors.New("no such remote method: "+methodName)))
		return
	}
	m, _ := ce.class.Method(methodName)

	props := security.PropertiesFromRequest(r)
	sessID, _ := s.sessions.IDFromRequest(r)
	snap, err := s.sessions.Load(sessID)
	if err != nil {
		s.writeError(w, errcode.Wrap(errcode.SecurityDenial, err))
		return
	}
	view := session.NewView(snap)
	s.applyDefaultFields(view, snap)

	presented, issued := s.resolveTokens(r, snap, ce.group)
	decision := s.guard().Decide(props, snap, ce.group, presented, issued, m.Options.IsSafe, m.Options.Bootstrap)
	if !decision.Allowed {
		s.writeError(w, errcode.Wrap(errcode.SecurityDenial, errors.New(decision.Reason)))
		return
	}

	dreq, err := dispatch.FromHTTP(r, pathArgs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	args, err := dispatch.Bind(m, dreq)
	if err != nil {
		s.writeError(w, err)
		return
	}

	cc := newCallContext(r, w, nil, view, ce.group, m)
	result, cerr := s.invoke(ce, m, args, cc)
	if cerr != nil {
		cc.invalidate()
		s.writeError(w, classifyMethodError(cerr))
		return
	}

	newSnap, changed, cmErr := s.sessions.Commit(view)
	if cmErr != nil {
		cc.invalidate()
		s.writeError(w, errcode.Wrap(errcode.MethodError, cmErr))
		return
	}
	if changed {
		cookie, cErr := s.sessions.EncodeCookie(newSnap.ID)
		if cErr != nil {
			s.Log.Printf("restfuncs: failed to encode session cookie: %v", cErr)
		} else {
			http.SetCookie(w, cookie)
		}
	}

	ww, finalize := dispatch.MaybeCompress(w, r)
	var writeErr error
	if stream, isStream := result.(io.Reader); isStream {
		writeErr = dispatch.WriteStream(ww, stream, m.Options.ContentType)
	} else {
		writeErr = dispatch.WriteResult(ww, result, m.Options.ContentType)
	}
	if writeErr != nil {
		s.Log.Printf("restfuncs: failed writing result for %s: %v", methodName, writeErr)
	}
	if err := finalize(); err != nil {
		s.Log.Printf("restfuncs: failed finalizing compressed response for %s: %v", methodName, err)
	}
	cc.invalidate()
}

// resolvePath strips BasePath from p and splits the remainder into
// (methodName, trailing path args), per spec.md §6's path grammar.
func (s *Server) resolvePath(p string) (string, []string, bool) {
	trimmed := strings.TrimPrefix(p, s.BasePath)
	if trimmed == p && s.BasePath != "" {
		return "", nil, false
	}
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", nil, false
	}
	segments := strings.Split(trimmed, "/")
	return segments[0], segments[1:], true
}

func (s *Server) resolveTokens(r *http.Request, snap *session.Snapshot, grp *security.Group) (security.Presented, security.Issued) {
	presented := security.Presented{
		CSRFToken:     firstNonEmpty(r.Header.Get("X-Csrf-Token"), r.URL.Query().Get("csrfToken")),
		CORSReadToken: firstNonEmpty(r.Header.Get("X-Cors-Read-Token"), r.URL.Query().Get("corsReadToken")),
	}
	issued := security.Issued{
		CSRFToken:     s.decryptTokenRef(snap.CSRFTokens, grp.ID, "csrf"),
		CORSReadToken: s.decryptTokenRef(snap.CORSReadTokens, grp.ID, "corsRead"),
	}
	return presented, issued
}

func (s *Server) decryptTokenRef(m map[string]session.TokenRef, groupID, typ string) string {
	if m == nil {
		return ""
	}
	ref, ok := m[groupID]
	if !ok {
		return ""
	}
	data, err := s.tokens.Decrypt(token.Token{Type: typ, NonceB64: ref.NonceB64, CipherB64: ref.CipherB64}, typ)
	if err != nil {
		return ""
	}
	return string(data)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(errcode.StatusOf(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// classifyMethodError assigns a Code to a bare error a method returned.
// One already carrying a Code (errcode.NewNotLoggedIn, an explicit
// errcode.Wrap/WrapStatus) passes through unchanged; one whose own type
// implements errcode.HTTPStatuser is the typed "communication error"
// spec.md §7 calls out, classified as CommunicationError with its
// self-chosen status; anything else defaults to plain MethodError (500).
func classifyMethodError(err error) error {
	if errcode.CodeOf(err) != errcode.None {
		return err
	}
	if hs, ok := err.(errcode.HTTPStatuser); ok {
		return errcode.WrapStatus(errcode.CommunicationError, err, hs.HTTPStatus())
	}
	return errcode.Wrap(errcode.MethodError, err)
}

// invoke runs m against a shallow per-call clone of ce.instance with cc
// injected as its CallContext (see callcontext.go's Service doc).
func (s *Server) invoke(ce *classEntry, m *registry.Method, args []reflect.Value, cc *CallContext) (any, error) {
	origPtr := reflect.ValueOf(ce.instance)
	clonePtr := reflect.New(origPtr.Type().Elem())
	clonePtr.Elem().Set(origPtr.Elem())
	if setter, ok := clonePtr.Interface().(callContextSetter); ok {
		setter.setCallContext(cc)
	}
	return splitResult(m.CallOn(clonePtr, args))
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func splitResult(results []reflect.Value) (any, error) {
	if len(results) == 0 {
		return nil, nil
	}
	last := results[len(results)-1]
	if last.Type().Implements(errType) {
		var err error
		if !last.IsNil() {
			err, _ = last.Interface().(error)
		}
		if len(results) == 1 {
			return nil, err
		}
		return results[0].Interface(), err
	}
	return results[0].Interface(), nil
}

// ServeSocket upgrades r to a WebSocket and runs its read loop, per
// spec.md §4.5's SocketConnection and §4.6's TokenBridge handshake.
func (s *Server) ServeSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Printf("restfuncs: websocket upgrade failed: %v", err)
		return
	}

	var conn *socket.Connection
	conn = socket.New(raw, func(ctx context.Context, p socket.MethodCallPayload) socket.MethodCallResultPayload {
		return s.handleSocketMethodCall(ctx, conn, p)
	})
	conn.OnBridgeToken(func(ctx context.Context, p socket.BridgeTokenPayload) {
		s.handleBridgeToken(conn, p)
	})
	conn.OnFatal(func(err error) {
		s.sockets.Delete(conn.ID)
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn.PruneCallbacks(ctx, 30*time.Second, 90*time.Second)
	conn.ReadLoop(ctx)
}

// handleBridgeToken accepts a bridgeToken envelope. The first one a socket
// ever sends is the initial handshake (spec.md §4.6) and is validated with
// bridge.Accept alone; any later one arriving on a socket that already has
// cached state is a session-update re-delivery, and must additionally pass
// AcceptSessionUpdate's version-monotonicity check (spec.md §4.6 "Session
// update direction") — otherwise a replayed or out-of-order update token
// could silently roll the socket's view of the session backwards.
func (s *Server) handleBridgeToken(conn *socket.Connection, p socket.BridgeTokenPayload) {
	var prev *socketState
	if v, err := s.sockets.Get(conn.ID); err == nil {
		prev, _ = v.(*socketState)
	}

	var t bridge.Token
	var err error
	if prev != nil {
		prev.mu.Lock()
		currentVersion := uint64(0)
		if prev.snap != nil {
			currentVersion = prev.snap.Version
		}
		prev.mu.Unlock()
		t, err = bridge.AcceptSessionUpdate(s.tokens, p.Token, conn.ID, currentVersion)
	} else {
		t, err = bridge.Accept(s.tokens, p.Token, conn.ID)
	}
	if err != nil {
		s.Log.Printf("restfuncs: rejected bridge token for socket %s: %v", conn.ID, err)
		return
	}
	snap := t.Session
	if snap == nil {
		snap = &session.Snapshot{}
	}
	s.sockets.Put(conn.ID, &socketState{snap: snap, props: t.Security})
}

func (s *Server) handleSocketMethodCall(ctx context.Context, conn *socket.Connection, p socket.MethodCallPayload) socket.MethodCallResultPayload {
	s.mu.RLock()
	ce, found := s.methods[p.MethodName]
	s.mu.RUnlock()
	if !found {
		return errorResultPayload(errcode.Wrap(errcode.NotRemote, errors.New("no such remote method: "+p.MethodName)))
	}
	m, _ := ce.class.Method(p.MethodName)

	var st *socketState
	if v, err := s.sockets.Get(conn.ID); err == nil {
		st, _ = v.(*socketState)
	}

	var snap *session.Snapshot
	var props security.Properties
	if st != nil {
		st.mu.Lock()
		snap = st.snap
		props = st.props
		st.mu.Unlock()
	} else {
		snap = &session.Snapshot{}
	}
	view := session.NewView(snap)
	s.applyDefaultFields(view, snap)

	decision := s.guard().Decide(props, snap, ce.group, security.Presented{}, security.Issued{}, m.Options.IsSafe, m.Options.Bootstrap)
	if !decision.Allowed {
		return errorResultPayload(errcode.Wrap(errcode.SecurityDenial, errors.New(decision.Reason)))
	}

	args, err := dispatch.BindArgs(m, p.Args, nil)
	if err != nil {
		return errorResultPayload(err)
	}

	cc := newCallContext(nil, nil, conn, view, ce.group, m)
	result, cerr := s.invoke(ce, m, args, cc)
	cc.invalidate()
	if cerr != nil {
		return errorResultPayload(classifyMethodError(cerr))
	}

	newSnap, changed, cmErr := s.sessions.Commit(view)
	if cmErr != nil {
		return errorResultPayload(errcode.Wrap(errcode.MethodError, cmErr))
	}
	if changed && st != nil {
		st.mu.Lock()
		st.snap = newSnap
		st.mu.Unlock()
		conn.Send(socket.TypeSetHttpCookieSessionAndSecurityProperties, socket.SetCookieSessionPayload{
			SocketID: conn.ID,
			Session:  newSnap,
		})
	}

	switch result.(type) {
	case io.Reader, []byte:
		return errorResultPayload(errcode.Wrap(errcode.TransportFatal,
			errors.New("a byte-stream or byte-buffer result cannot be returned over a socket call")))
	}

	return socket.MethodCallResultPayload{Result: result, HTTPStatusCode: 200}
}

func errorResultPayload(err error) socket.MethodCallResultPayload {
	return socket.MethodCallResultPayload{Error: err.Error(), HTTPStatusCode: errcode.StatusOf(err)}
}
