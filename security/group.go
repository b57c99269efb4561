package security

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"reflect"
	"sync"
)

// AllowedOrigins is the allowed-origin option of spec.md §3: either every
// origin ("all"), an explicit allow-list, or an arbitrary predicate.
// Exactly one of All/List/Predicate is meaningful at a time.
type AllowedOrigins struct {
	All       bool
	List      []string
	Predicate func(origin string) bool
}

// Options is the set of security-relevant configuration spec.md §3 says
// determines a class's SecurityGroup membership. Two classes with
// identical Options (by the fingerprinting rule below) share one Group.
type Options struct {
	Origins          AllowedOrigins
	DefaultMode      string // session.Mode as a string to keep this package import-light
	ForceTokenCheck  bool
	DevDisableSecurity bool
}

// Group is the equivalence class of service classes sharing one
// fingerprint; a token issued for the group is accepted for any member.
type Group struct {
	ID      string
	Options Options
	members map[string]bool
}

// Allows reports whether origin is permitted by the group's Origins option.
func (g *Group) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	o := g.Options.Origins
	if o.All {
		return true
	}
	if o.Predicate != nil {
		return o.Predicate(origin)
	}
	for _, allowed := range o.List {
		if allowed == origin {
			return true
		}
	}
	return false
}

// Registry is the process-wide table of Groups. Group lookup/creation is
// concurrency-safe. It is never frozen: a class may still be registered
// after requests have started, and such a late class may not share a Group
// with classes that were already fingerprinted and handed out to in-flight
// requests.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

// GroupFor returns the Group for className, creating (and fingerprinting)
// one on first use, or reusing an existing Group whose fingerprint
// matches. className is added to the group's member set either way.
func (r *Registry) GroupFor(className string, opts Options) *Group {
	fp := fingerprint(opts)

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[fp]
	if !ok {
		g = &Group{ID: fp, Options: opts, members: map[string]bool{}}
		r.groups[fp] = g
	}
	g.members[className] = true
	return g
}

// Members returns the class names sharing group id.
func (r *Registry) Members(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.members))
	for m := range g.members {
		out = append(out, m)
	}
	return out
}

// fingerprint computes a deterministic digest over opts' security-relevant
// fields. Function-typed fields (the origin Predicate) are folded in by
// reference identity — spec.md §3's invariant that "two distinct closures
// form distinct groups even if equivalent" — since two predicates can
// only be guaranteed equivalent by the program that wrote them, not by
// this registry inspecting their bytecode.
func fingerprint(o Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "all=%v|mode=%s|force=%v|dev=%v|", o.Origins.All, o.DefaultMode, o.ForceTokenCheck, o.DevDisableSecurity)
	for _, origin := range o.Origins.List {
		fmt.Fprintf(h, "origin=%s|", origin)
	}
	if o.Origins.Predicate != nil {
		var ptr [8]byte
		binary.BigEndian.PutUint64(ptr[:], uint64(reflect.ValueOf(o.Origins.Predicate).Pointer()))
		h.Write(ptr[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
