// Package session implements the cookie-backed session abstraction: a
// snapshot/view/commit flow with change detection, monotonic versioning,
// and branch-protection-salt rotation on every committed change.
//
// It is descended from github.com/atdiar/xhttp's handlers/session package:
// the Handler/Store surface and the signed-cookie wire format are
// kept, generalized from a single opaque blob per session to the
// structured Snapshot this package's callers read and write through a View.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log"
	"reflect"

	"github.com/atdiar/errors"
	"github.com/google/uuid"
)

// Mode is the CSRF protection mode committed to a session at first write.
// It is immutable for the lifetime of the session (spec invariant): once
// set, a request declaring a different mode is denied rather than allowed
// to downgrade it.
type Mode string

const (
	// ModeUnset is the zero value: no mode has been committed to the
	// session yet. The open-question default (spec.md §9a) resolves an
	// absent/unrecognized request-declared mode to ModePreflight.
	ModeUnset Mode = ""
	// ModePreflight trusts that any non-simple cross-origin request
	// reaching the server already passed a CORS preflight.
	ModePreflight Mode = "preflight"
	// ModeCorsReadToken additionally requires proof that a prior
	// response was readable by the client before trusting writes.
	ModeCorsReadToken Mode = "corsReadToken"
	// ModeCsrfToken requires a per-session, per-group secret echoed on
	// every call.
	ModeCsrfToken Mode = "csrfToken"
)

// TokenRef is the shape a csrf/cors-read token takes once embedded in a
// session snapshot: just enough to re-derive and verify it, not the full
// token.Token (which also needs a Box to decrypt).
type TokenRef struct {
	NonceB64  string `json:"nonce"`
	CipherB64 string `json:"ciphertext"`
}

// Snapshot is the full, structured content of one cookie session. It is
// the only thing that is ever read from or written to the configured
// Store; everything else (View, diffing) is derived from it in memory.
type Snapshot struct {
	ID                 string              `json:"id,omitempty"`
	Version            uint64              `json:"version"`
	BPSalt             string              `json:"bpSalt,omitempty"`
	PreviousBPSalt     string              `json:"previousBpSalt,omitempty"`
	CSRFProtectionMode Mode                `json:"csrfProtectionMode,omitempty"`
	CSRFTokens         map[string]TokenRef `json:"csrfTokens,omitempty"`
	CORSReadTokens     map[string]TokenRef `json:"corsReadTokens,omitempty"`
	Fields             map[string]any      `json:"fields,omitempty"`
}

// IsAnonymous reports whether this snapshot has never been committed
// (no id has been assigned yet).
func (s *Snapshot) IsAnonymous() bool {
	return s == nil || s.ID == ""
}

// clone returns a deep copy of the snapshot, used both to hand a View its
// private mutable copy and to keep the commit-time baseline comparison
// honest (spec.md §4.2: "a view is a per-call mutable copy").
func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return &Snapshot{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		// Snapshot only ever contains JSON-marshalable user fields; a
		// caller that stashes something unmarshalable (a channel, a
		// func) in session.Fields has violated the store contract.
		panic(errors.New("session: snapshot contains a non-serializable field").Wraps(err))
	}
	clone := &Snapshot{}
	if err := json.Unmarshal(raw, clone); err != nil {
		panic(errors.New("session: snapshot clone failed to round-trip").Wraps(err))
	}
	if clone.Fields == nil && s.Fields != nil {
		clone.Fields = map[string]any{}
	}
	return clone
}

// View is the per-call mutable handle a method body reads and writes
// through. It is backed by a deep clone of the Snapshot the request
// arrived with; at the end of the call, Handler.Commit diffs View.current
// against View.baseline to decide whether anything changed.
type View struct {
	baseline *Snapshot
	current  *Snapshot
}

// NewView wraps snap in a baseline/current pair ready for a method body to
// mutate through its Fields accessors.
func NewView(snap *Snapshot) *View {
	if snap == nil {
		snap = &Snapshot{}
	}
	return &View{baseline: snap.clone(), current: snap.clone()}
}

// Get reads a user field. Reading never marks the view dirty — this is how
// anonymous/no-session flows avoid forcing a Set-Cookie (spec.md §4.2).
func (v *View) Get(key string) (any, bool) {
	if v.current.Fields == nil {
		return nil, false
	}
	val, ok := v.current.Fields[key]
	return val, ok
}

// Set writes a user field on the view. The value is committed only if it
// ends up structurally different from the baseline snapshot (see
// Handler.Commit); writing back a value identical to its default does not
// by itself force a commit.
func (v *View) Set(key string, value any) {
	if v.current.Fields == nil {
		v.current.Fields = map[string]any{}
	}
	v.current.Fields[key] = value
}

// Delete removes a user field from the view.
func (v *View) Delete(key string) {
	if v.current.Fields == nil {
		return
	}
	delete(v.current.Fields, key)
}

// ID returns the session id the view was created from (empty for an
// anonymous baseline that has never been committed).
func (v *View) ID() string { return v.baseline.ID }

// Mode returns the CSRF protection mode already committed to the session,
// or ModeUnset if none has been set yet.
func (v *View) Mode() Mode { return v.current.CSRFProtectionMode }

// SetMode commits the session's CSRF protection mode. It is only meaningful
// once: callers attempting to change an already-set mode must destroy and
// recreate the session instead; Handler.Commit returns an error for a view
// that changes an already-set mode.
func (v *View) SetMode(m Mode) { v.current.CSRFProtectionMode = m }

// changed reports whether current differs from baseline in any field that
// matters for commit purposes (user Fields, CSRFProtectionMode — version/
// bpSalt/id are server-assigned and excluded from the comparison since
// they are never set directly by a method body).
func (v *View) changed() bool {
	if v.current.CSRFProtectionMode != v.baseline.CSRFProtectionMode {
		return true
	}
	return !reflect.DeepEqual(v.current.Fields, v.baseline.Fields)
}

// Store is the interface a pluggable session backend implements. It must
// be safe for concurrent use by multiple goroutines. The session record
// format is opaque to the store: id/version/bpSalt/previousBpSalt travel
// as regular Snapshot fields and must be preserved.
type Store interface {
	Load(id string) (*Snapshot, error)
	Save(snap *Snapshot) error
	Delete(id string) error
}

// ErrNotFound is returned by a Store when no record exists for a given id.
var ErrNotFound = errors.New("session: not found")

// Handler owns the cookie configuration and the Store, and implements the
// snapshot → view → commit flow of spec.md §4.2. It is deliberately not a
// xhttp.Handler in the chained-middleware sense (the teacher's
// session.Handler was): restfuncs needs session access mid-call, driven by
// CallContext, not as a pre-request pipeline stage.
type Handler struct {
	Cookie   CookieTemplate
	Store    Store
	Log      *log.Logger
	uuidgen  func() string
}

// CookieTemplate mirrors the teacher's session.Handler.Cookie defaults:
// HttpOnly, Secure, Path "/", browser-session MaxAge by default.
type CookieTemplate struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	HttpOnly bool
	MaxAge   int
	Secret   string
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithCookieSecret sets the HMAC secret used to sign the session cookie.
func WithCookieSecret(secret string) Option {
	return func(h *Handler) { h.Cookie.Secret = secret }
}

// WithCookieName overrides the default "GSID" cookie name.
func WithCookieName(name string) Option {
	return func(h *Handler) { h.Cookie.Name = name }
}

// WithLogger attaches a *log.Logger; nil keeps the package default
// (log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(h *Handler) { h.Log = l }
}

// New returns a Handler backed by store, with the teacher's defaults
// (HttpOnly, Secure, Path "/", browser-session cookie).
func New(store Store, opts ...Option) *Handler {
	if store == nil {
		panic("session: store cannot be nil")
	}
	h := &Handler{
		Store: store,
		Cookie: CookieTemplate{
			Name:     "GSID",
			Path:     "/",
			Secure:   true,
			HttpOnly: true,
		},
		uuidgen: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.Log == nil {
		h.Log = log.Default()
	}
	return h
}

// Load reads the snapshot named by id from the Store, returning an empty
// anonymous Snapshot (not an error) when id is empty — the no-session case
// a fresh visitor always starts in.
func (h *Handler) Load(id string) (*Snapshot, error) {
	if id == "" {
		return &Snapshot{}, nil
	}
	snap, err := h.Store.Load(id)
	if err != nil {
		if err == ErrNotFound {
			return &Snapshot{}, nil
		}
		return nil, err
	}
	return snap, nil
}

// Commit compares view.current against view.baseline. If and only if they
// differ, it assigns a fresh id (if none existed), increments Version,
// rolls BPSalt (saving the prior value into PreviousBPSalt), and writes
// the new snapshot back to the Store. It returns the committed snapshot
// (identical to the baseline, unchanged, if nothing needed committing) and
// whether a commit actually happened (callers use this to decide whether a
// Set-Cookie is needed).
func (h *Handler) Commit(view *View) (*Snapshot, bool, error) {
	if !view.changed() {
		return view.baseline, false, nil
	}
	if view.baseline.CSRFProtectionMode != ModeUnset && view.current.CSRFProtectionMode != view.baseline.CSRFProtectionMode {
		return nil, false, errors.New("session: csrfProtectionMode is already set and cannot be changed; destroy the session first")
	}

	next := view.current.clone()
	if next.ID == "" {
		next.ID = h.uuidgen()
	}
	next.Version = view.baseline.Version + 1
	salt, err := freshSalt()
	if err != nil {
		return nil, false, errors.New("session: failed to roll branch-protection salt").Wraps(err)
	}
	next.PreviousBPSalt = view.baseline.BPSalt
	next.BPSalt = salt

	if err := h.Store.Save(next); err != nil {
		return nil, false, errors.New("session: commit failed to persist").Wraps(err)
	}
	return next, true, nil
}

// Destroy removes the session record from the Store. It returns only an
// error: a store that refuses the deletion is logged and its error is
// returned. Clearing the client's cookie is a separate step (ExpireCookie).
func (h *Handler) Destroy(id string) error {
	if id == "" {
		return nil
	}
	if err := h.Store.Delete(id); err != nil {
		h.Log.Printf("session: destroy failed for %s: %v", id, err)
		return err
	}
	return nil
}

func freshSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
