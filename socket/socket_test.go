package socket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atdiar/restfuncs/socket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestClientDrivenMethodCall(t *testing.T) {
	resultCh := make(chan socket.MethodCallResultPayload, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		conn := socket.New(c, func(ctx context.Context, p socket.MethodCallPayload) socket.MethodCallResultPayload {
			return socket.MethodCallResultPayload{Result: p.Args[0], HTTPStatusCode: 200}
		})
		conn.ReadLoop(context.Background())
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientRaw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer clientRaw.Close()

	clientSide := socket.New(clientRaw, func(ctx context.Context, p socket.MethodCallPayload) socket.MethodCallResultPayload {
		t.Fatalf("client should not receive a methodCall in this test")
		return socket.MethodCallResultPayload{}
	})
	go clientSide.ReadLoop(context.Background())

	go func() {
		res, err := clientSide.CallMethod(context.Background(), "bookService", "GetBook", []any{"hello"})
		if err != nil {
			t.Error(err)
			return
		}
		resultCh <- res
	}()

	select {
	case res := <-resultCh:
		if res.Result != "hello" {
			t.Fatalf("got result %v, want \"hello\"", res.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for methodCallResult")
	}
}

func TestSingleRetryableOperationDedup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := upgrader.Upgrade(w, r, nil)
		conn := socket.New(c, nil)
		conn.ReadLoop(context.Background())
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	raw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	conn := socket.New(raw, nil)

	var calls int64
	fetch := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "welcome", nil
	}

	results := make(chan any, 3)
	for i := 0; i < 3; i++ {
		go func() {
			v, _ := conn.Bootstrap("welcomeInfo", fetch)
			results <- v
		}()
	}
	for i := 0; i < 3; i++ {
		<-results
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected exactly one underlying fetch for three concurrent callers, got %d", calls)
	}
}

func TestCallbackInvocationRoundTrip(t *testing.T) {
	var serverConn *socket.Connection
	serverReady := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := upgrader.Upgrade(w, r, nil)
		serverConn = socket.New(c, nil)
		close(serverReady)
		serverConn.ReadLoop(context.Background())
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// The client owns the callback function; it answers any callbackCall
	// it receives by doubling the first numeric argument.
	clientRaw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer clientRaw.Close()
	client := socket.New(clientRaw, nil)
	client.OnCallbackCall(func(ctx context.Context, p socket.CallbackCallPayload) socket.CallbackResultPayload {
		n, _ := p.Args[0].(float64)
		return socket.CallbackResultPayload{Result: n * 2}
	})
	go client.ReadLoop(context.Background())

	<-serverReady
	id := serverConn.NextCallbackID()
	serverConn.RegisterCallback(id)

	res, err := serverConn.InvokeCallback(context.Background(), id, []any{float64(21)})
	if err != nil {
		t.Fatal(err)
	}
	if res != float64(42) {
		t.Fatalf("got %v, want 42", res)
	}
}

func TestCallbackGCSurvivesProbeReply(t *testing.T) {
	var serverConn *socket.Connection
	serverReady := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := upgrader.Upgrade(w, r, nil)
		serverConn = socket.New(c, nil)
		close(serverReady)
		serverConn.ReadLoop(context.Background())
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// The client never registers any special handling for a
	// callbackLivenessPing: handle() answers it with a pong on its own,
	// the same way it always would for a peer still connected and
	// draining its socket.
	clientRaw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer clientRaw.Close()
	client := socket.New(clientRaw, nil)
	go client.ReadLoop(context.Background())

	<-serverReady
	id := serverConn.NextCallbackID()
	serverConn.RegisterCallback(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serverConn.PruneCallbacks(ctx, 10*time.Millisecond, 15*time.Millisecond)

	// Give the prune loop several rounds to probe and (if the pong were
	// not honored) drop the stub; it must still be there.
	time.Sleep(200 * time.Millisecond)
	if serverConn.LiveCallbackCount() != 1 {
		t.Fatal("expected the still-reachable callback stub to survive repeated probes")
	}
}

func TestCallbackGCDropsStaleStubs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := upgrader.Upgrade(w, r, nil)
		conn := socket.New(c, nil)
		conn.ReadLoop(context.Background())
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	raw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	conn := socket.New(raw, nil)

	id := conn.NextCallbackID()
	conn.RegisterCallback(id)
	if conn.LiveCallbackCount() != 1 {
		t.Fatal("expected one registered callback stub")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.PruneCallbacks(ctx, 10*time.Millisecond, 15*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for conn.LiveCallbackCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("expected the stale callback stub to be dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
