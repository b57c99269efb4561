package socket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atdiar/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

// pendingCall tracks one in-flight methodCall awaiting its
// methodCallResult.
type pendingCall struct {
	resultCh chan MethodCallResultPayload
}

// callbackStub is the server-side handle for a client-side function
// argument: invoking it sends a callbackCall and waits on the matching
// callbackResult.
type callbackStub struct {
	id          int64
	lastPing    time.Time
	probing     bool
	probeSentAt time.Time
}

// Connection wraps one *websocket.Conn, owning the single reader goroutine
// ("each connection has one goroutine/task per inbound message") and
// serializing every write under writeMu, since gorilla/websocket forbids
// concurrent writes on one connection.
type Connection struct {
	ID string

	conn   *websocket.Conn
	writeMu sync.Mutex

	nextCallID     int64
	nextCallbackID int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	stubs    map[int64]*callbackStub
	closed   bool
	closeErr error

	// single-flight group backing SingleRetryableOperation: concurrent
	// callers of the same named bootstrap fetch (welcomeInfo,
	// httpSecurityProperties, cookieSession, corsReadToken) share one
	// in-flight attempt; a failed attempt is not cached, so the next
	// caller retries from scratch (singleflight.Group's documented
	// behavior already matches this exactly).
	bootstrap singleflight.Group

	// RequireAccessProofForIndividualServerSession, securityMu and
	// securityCache are not read by this package or by Server: the
	// security context a socket call uses is the one Server caches per
	// connection, so setting this flag has no effect on cache granularity.
	RequireAccessProofForIndividualServerSession bool

	securityMu    sync.Mutex
	securityCache map[string]any

	onMethodCall   func(ctx context.Context, p MethodCallPayload) MethodCallResultPayload
	onCallbackCall func(ctx context.Context, p CallbackCallPayload) CallbackResultPayload
	onBridgeToken  func(ctx context.Context, p BridgeTokenPayload)
	onFatal        func(err error)

	writeTimeout time.Duration
}

// OnCallbackCall registers the handler invoked when this connection's
// peer sends a callbackCall — i.e. this connection owns the function
// argument and must run it locally, then reply. Only the side holding the
// callback sets this.
func (c *Connection) OnCallbackCall(f func(ctx context.Context, p CallbackCallPayload) CallbackResultPayload) {
	c.onCallbackCall = f
}

// OnBridgeToken registers the handler invoked when the peer sends its
// TokenBridge handshake token (spec.md §4.6). The server side sets this;
// the token's own socket-id check (bridge.Accept) is the caller's job.
func (c *Connection) OnBridgeToken(f func(ctx context.Context, p BridgeTokenPayload)) {
	c.onBridgeToken = f
}

// New wraps conn into a Connection, assigning it a fresh 16-byte id
// (spec.md §4.6: "A socket has its own 16-byte identifier").
func New(conn *websocket.Conn, onMethodCall func(ctx context.Context, p MethodCallPayload) MethodCallResultPayload) *Connection {
	return &Connection{
		ID:            uuid.New().String(),
		conn:          conn,
		pending:       map[int64]*pendingCall{},
		stubs:         map[int64]*callbackStub{},
		securityCache: map[string]any{},
		onMethodCall:  onMethodCall,
		writeTimeout:  10 * time.Second,
	}
}

// OnFatal registers a callback invoked once when ReadLoop terminates due
// to a protocol violation or connection closure.
func (c *Connection) OnFatal(f func(err error)) { c.onFatal = f }

// ReadLoop is the connection's single reader goroutine: it decodes one
// envelope per inbound frame and dispatches it, spawning a fresh goroutine
// per methodCall so invocations may run concurrently (spec.md §5
// "Scheduling model") while the reader itself keeps draining the socket.
func (c *Connection) ReadLoop(ctx context.Context) {
	defer c.terminate(nil)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.terminate(errors.New("socket read failed").Wraps(err))
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.fatalClose("malformed envelope: " + err.Error())
			return
		}
		if !c.handle(ctx, env, data) {
			return
		}
	}
}

// handle dispatches one decoded envelope. It returns false if the
// connection was fatally closed while handling it.
func (c *Connection) handle(ctx context.Context, env Envelope, raw []byte) bool {
	switch env.Type {
	case TypeMethodCall:
		var p MethodCallPayload
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed methodCall payload: " + err.Error())
			return false
		}
		if c.onMethodCall == nil {
			c.fatalClose("no method-call handler registered")
			return false
		}
		go func() {
			result := c.onMethodCall(ctx, p)
			result.CallID = p.CallID
			c.Send(TypeMethodCallResult, result)
		}()
		return true

	case TypeMethodCallResult:
		var p MethodCallResultPayload
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed methodCallResult payload: " + err.Error())
			return false
		}
		c.mu.Lock()
		pc, ok := c.pending[p.CallID]
		if ok {
			delete(c.pending, p.CallID)
		}
		c.mu.Unlock()
		if ok {
			pc.resultCh <- p
		}
		return true

	case TypeCallbackCall:
		var p CallbackCallPayload
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed callbackCall payload: " + err.Error())
			return false
		}
		if c.onCallbackCall == nil {
			c.fatalClose("no callback handler registered for an incoming callbackCall")
			return false
		}
		go func() {
			result := c.onCallbackCall(ctx, p)
			result.CallID = p.CallID
			c.Send(TypeCallbackResult, result)
		}()
		return true

	case TypeCallbackResult:
		var p CallbackResultPayload
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed callbackResult payload: " + err.Error())
			return false
		}
		c.mu.Lock()
		pc, ok := c.pending[p.CallID]
		if ok {
			delete(c.pending, p.CallID)
		}
		c.mu.Unlock()
		if ok {
			pc.resultCh <- MethodCallResultPayload{CallID: p.CallID, Result: p.Result, Error: p.Error}
		}
		return true

	case TypeBridgeToken:
		var p BridgeTokenPayload
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed bridgeToken payload: " + err.Error())
			return false
		}
		if c.onBridgeToken != nil {
			c.onBridgeToken(ctx, p)
		}
		return true

	case TypeGetVersion:
		// Reserved for future feature negotiation; spec.md §6 requires
		// this never errors on unknown minor codes, so it is a no-op ack.
		c.Send(TypeGetVersion, map[string]any{"version": 1})
		return true

	case livenessPing:
		var p livenessProbePayload
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed callbackLivenessPing payload: " + err.Error())
			return false
		}
		c.Send(livenessPong, livenessProbePayload{CallbackID: p.CallbackID})
		return true

	case livenessPong:
		var p livenessProbePayload
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed callbackLivenessPong payload: " + err.Error())
			return false
		}
		c.TouchCallback(p.CallbackID)
		return true

	case TypeCallbackFreed:
		var p struct {
			CallbackID int64 `json:"callbackId"`
		}
		if err := remarshal(env.Payload, &p); err != nil {
			c.fatalClose("malformed callbackFreed payload: " + err.Error())
			return false
		}
		c.mu.Lock()
		delete(c.stubs, p.CallbackID)
		c.mu.Unlock()
		return true

	default:
		c.fatalClose("unknown envelope type: " + string(env.Type))
		return false
	}
}

func remarshal(payload any, target any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// Send serializes and writes one envelope, serialized against concurrent
// writers by writeMu (gorilla/websocket's single-writer requirement).
func (c *Connection) Send(t MessageType, payload any) error {
	data, err := json.Marshal(Envelope{Type: t, Payload: payload})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// fatalClose sends the textual "[Error] ..." frame spec.md §4.5/§6
// mandates for a server-side protocol violation, then closes the
// connection.
func (c *Connection) fatalClose(message string) {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	c.conn.WriteMessage(websocket.TextMessage, []byte("[Error] "+message))
	c.writeMu.Unlock()
	c.terminate(errors.New(message))
}

func (c *Connection) terminate(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = map[int64]*pendingCall{}
	c.mu.Unlock()

	for _, pc := range pending {
		close(pc.resultCh)
	}
	c.conn.Close()
	if c.onFatal != nil {
		c.onFatal(err)
	}
}

// CallMethod sends a methodCall and blocks until its result arrives or
// ctx is done. Used by the server side's downward calls (server-initiated
// calls into the client are out of this package's current scope; this
// exists for symmetry and for tests that simulate a peer).
func (c *Connection) CallMethod(ctx context.Context, classID, methodName string, args []any) (MethodCallResultPayload, error) {
	callID := atomic.AddInt64(&c.nextCallID, 1)
	pc := &pendingCall{resultCh: make(chan MethodCallResultPayload, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return MethodCallResultPayload{}, errors.New("socket: connection closed").Wraps(c.closeErr)
	}
	c.pending[callID] = pc
	c.mu.Unlock()

	if err := c.Send(TypeMethodCall, MethodCallPayload{CallID: callID, ServerSessionClassID: classID, MethodName: methodName, Args: args}); err != nil {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return MethodCallResultPayload{}, err
	}

	select {
	case res, ok := <-pc.resultCh:
		if !ok {
			return MethodCallResultPayload{}, errors.New("socket: connection closed while call was pending")
		}
		return res, nil
	case <-ctx.Done():
		return MethodCallResultPayload{}, ctx.Err()
	}
}

// InvokeCallback sends a callbackCall for the given callback id and
// blocks for its callbackResult, the server→client half of spec.md
// §4.5's callback lifecycle. The caller must already have registered the
// id via RegisterCallback when the function argument first crossed the
// wire.
func (c *Connection) InvokeCallback(ctx context.Context, callbackID int64, args []any) (any, error) {
	callID := atomic.AddInt64(&c.nextCallID, 1)
	pc := &pendingCall{resultCh: make(chan MethodCallResultPayload, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("socket: connection closed").Wraps(c.closeErr)
	}
	c.pending[callID] = pc
	c.mu.Unlock()
	c.TouchCallback(callbackID)

	if err := c.Send(TypeCallbackCall, CallbackCallPayload{CallID: callID, CallbackID: callbackID, Args: args}); err != nil {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res, ok := <-pc.resultCh:
		if !ok {
			return nil, errors.New("socket: connection closed while callback was pending")
		}
		if res.Error != "" {
			return nil, errors.New(res.Error)
		}
		return res.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextCallbackID allocates a fresh callback id for a function-typed
// argument being sent to the client (spec.md §4.5 "Callback lifecycle").
func (c *Connection) NextCallbackID() int64 {
	return atomic.AddInt64(&c.nextCallbackID, 1)
}

// RegisterCallback records a live callback stub so PruneCallbacks can
// probe it for liveness later.
func (c *Connection) RegisterCallback(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stubs[id] = &callbackStub{id: id, lastPing: time.Now()}
}

// LiveCallbackCount reports how many callback stubs are currently
// tracked, for tests asserting GC behavior (spec.md §8 "Callback GC").
func (c *Connection) LiveCallbackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stubs)
}

// DropCallback removes a stub, e.g. in response to a client-reported
// "freed" notification (handled automatically in handle()). The
// liveness-probe pass in gc.go removes its stubs directly, not through it.
func (c *Connection) DropCallback(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stubs, id)
}

// Close cleanly closes the connection from the server side.
func (c *Connection) Close() error {
	c.terminate(nil)
	return nil
}
