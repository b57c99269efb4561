// Package registry implements the declarative, per-method marker system
// of spec.md §4.7: which methods on a registered service class are
// remotely callable, which are "safe" (read-only), and what per-method
// validation/trimming options apply.
//
// Go has no decorators, so the teacher's pattern (spec.md §9:
// "Decorator-driven configuration becomes a registration step") is
// followed literally: a service class calls registry.Expose at
// construction time, in the same Option-func builder idiom as
// handlers/csrf/csrf.go's Configurator and handlers/session/session.go's
// chained With*/Set* methods.
package registry

import (
	"reflect"
	"strings"
	"sync"

	"github.com/atdiar/errors"
)

// ReservedNames cannot be dispatched to remotely regardless of whether a
// method by that name is exposed — they collide with the call machinery
// itself (spec.md §3 RemoteMethod invariant).
var ReservedNames = map[string]bool{
	"doCall":        true,
	"validateCall":  true,
	"req":           true,
	"res":           true,
	"session":       true,
	"get":           true,
	"set":           true,
	"DoCall":        true,
	"ValidateCall":  true,
	"Req":           true,
	"Res":           true,
	"Session":       true,
	"Get":           true,
	"Set":           true,
}

// Param describes one parameter of a remote method.
type Param struct {
	Name         string
	Type         reflect.Type
	Variadic     bool
	IsByteStream bool
}

// MethodOptions are the per-method behavior switches of spec.md §3.
//
// ParamNames names each declared parameter in order, for the named-
// argument binding spec.md §4.4 requires (query keys, JSON object keys,
// form fields, multipart part names). Go reflection cannot recover a
// function's parameter names, so — unlike the language this spec was
// distilled from, where the names are visible on the function object —
// they are supplied explicitly at Expose time. Leave it nil for a method
// only ever called positionally.
type MethodOptions struct {
	IsSafe                    bool
	ValidateArguments         bool
	ValidateResult            bool
	TrimArguments             bool
	TrimResult                bool
	ValidateCallbackArguments bool
	ValidateCallbackResult    bool
	ParamNames                []string
	// ContentType opts a method's result out of the default JSON
	// encoding (spec.md §4.4 "Result handling"): "text/html" requires a
	// string result, "application/octet-stream" a []byte result, "" (the
	// zero value) keeps the JSON default.
	ContentType string
	// Bootstrap marks the one method per class/group allowed to hand out
	// a fresh corsReadToken under spec.md §4.3 step 8's exception.
	Bootstrap bool
}

// Method is the full descriptor of one remotely callable method.
type Method struct {
	ClassName string
	Name      string
	Params    []Param
	Options   MethodOptions
	value     reflect.Value // the bound method, ready to Call
	class     *Class
}

// Class returns the Class this method was exposed on, so callers that
// only hold a *Method (dispatch's argument binder, for instance) can
// still check class-level flags like HasByteStream.
func (m *Method) Class() *Class { return m.class }

// Invoke calls the underlying method with args already coerced to the
// right types (dispatch's job), returning all of its result values as
// returned by reflect; an error the method returns is left among them, as
// its last value, for the caller to inspect.
func (m *Method) Invoke(args []reflect.Value) []reflect.Value {
	return m.value.Call(args)
}

// CallOn invokes this method by name against an arbitrary receiver value,
// instead of the value bound at Expose time. restfuncs.Server uses this to
// give every inbound call its own per-call Service-embedded CallContext: it
// runs the method against a shallow per-call clone of the registered
// instance rather than the shared, long-lived one Invoke is bound to, so
// concurrent calls never race on the CallContext a method body accesses
// through req()/res()/session().
func (m *Method) CallOn(recv reflect.Value, args []reflect.Value) []reflect.Value {
	return recv.MethodByName(m.Name).Call(args)
}

// Class is a registered service: a struct instance plus the subset of its
// method set explicitly exposed via Expose.
type Class struct {
	Name         string
	methods      map[string]*Method
	hasByteStream bool
}

// HasByteStream reports whether any exposed method references a byte
// stream/buffer parameter type — this is the flag spec.md §4.7 says
// enables multipart body parsing for the class.
func (c *Class) HasByteStream() bool { return c.hasByteStream }

// Method looks up an exposed method by name. It never returns a method
// whose name collides with ReservedNames or one that was never explicitly
// exposed (spec.md §3: "inheritance of the marker ... is not sufficient").
func (c *Class) Method(name string) (*Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// Names lists every exposed method name, for diagnostics and registration
// dumps.
func (c *Class) Names() []string {
	out := make([]string, 0, len(c.methods))
	for n := range c.methods {
		out = append(out, n)
	}
	return out
}

// streamType is the reflect.Type exposed methods compare their parameter
// types against to decide IsByteStream; set via RegisterStreamType so
// dispatch's concrete streaming type (an io.Reader implementation) isn't a
// compile-time dependency of this package.
var (
	streamTypeMu sync.RWMutex
	streamType   reflect.Type
)

// RegisterStreamType tells the registry which concrete type represents a
// byte-stream parameter, so Expose can set Param.IsByteStream and
// Class.hasByteStream correctly. Call this once at program start before
// any Expose calls.
func RegisterStreamType(t reflect.Type) {
	streamTypeMu.Lock()
	defer streamTypeMu.Unlock()
	streamType = t
}

func isByteStreamType(t reflect.Type) bool {
	streamTypeMu.RLock()
	defer streamTypeMu.RUnlock()
	if streamType == nil {
		return t == reflect.TypeOf([]byte(nil))
	}
	return t == streamType || t == reflect.TypeOf([]byte(nil))
}

// ClassOption configures a Class at Register time.
type ClassOption func(*Class)

// Register builds an (initially empty) Class for svc without inspecting its
// methods; callers then attach methods with Expose. svc must be a pointer to
// a struct.
func Register(className string, svc any, opts ...ClassOption) (*Class, error) {
	if svc == nil {
		return nil, errors.New("registry: cannot register a nil service")
	}
	v := reflect.ValueOf(svc)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil, errors.New("registry: service must be a pointer to a struct")
	}
	c := &Class{Name: className, methods: map[string]*Method{}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Expose marks methodName on svc as remotely callable with the given
// options. It panics on a reserved name or a missing method — both are
// programmer errors caught at startup, not request-time conditions
// (spec.md §7 lists them as 404/400 only for the case a *client* somehow
// names an un-exposed method at runtime; Expose itself fails fast).
func Expose(c *Class, svc any, methodName string, opts MethodOptions) {
	lowerFirst := methodName
	if len(methodName) > 0 {
		lowerFirst = strings.ToLower(methodName[:1]) + methodName[1:]
	}
	if ReservedNames[methodName] || ReservedNames[lowerFirst] {
		panic("registry: " + methodName + " is a reserved name and cannot be exposed")
	}
	v := reflect.ValueOf(svc)
	mv := v.MethodByName(methodName)
	if !mv.IsValid() {
		panic("registry: " + methodName + " is not declared on this service (inherited markers do not count)")
	}
	mt := mv.Type()

	params := make([]Param, 0, mt.NumIn())
	for i := 0; i < mt.NumIn(); i++ {
		pt := mt.In(i)
		variadic := mt.IsVariadic() && i == mt.NumIn()-1
		isStream := isByteStreamType(pt)
		if isStream {
			c.hasByteStream = true
		}
		name := ""
		if i < len(opts.ParamNames) {
			name = opts.ParamNames[i]
		}
		params = append(params, Param{Name: name, Type: pt, Variadic: variadic, IsByteStream: isStream})
	}

	c.methods[methodName] = &Method{
		ClassName: c.Name,
		Name:      methodName,
		Params:    params,
		Options:   opts,
		value:     mv,
		class:     c,
	}
}
