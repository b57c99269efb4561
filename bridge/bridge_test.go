package bridge_test

import (
	"testing"

	"github.com/atdiar/restfuncs/bridge"
	"github.com/atdiar/restfuncs/session"
	"github.com/atdiar/restfuncs/token"
)

func newBox(t *testing.T) *token.Box {
	t.Helper()
	box, err := token.NewBox(token.WithSecret("a-sufficiently-long-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func TestIssueAcceptRoundTrip(t *testing.T) {
	box := newBox(t)
	want := bridge.Token{
		SocketID: "socket-1",
		Groups:   []string{"groupA"},
		Session:  &session.Snapshot{ID: "sess-1", Version: 3},
	}
	wire, err := bridge.Issue(box, want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := bridge.Accept(box, wire, "socket-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SocketID != want.SocketID || got.Session.ID != want.Session.ID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAcceptRejectsSocketIDMismatch(t *testing.T) {
	box := newBox(t)
	wire, err := bridge.Issue(box, bridge.Token{SocketID: "socket-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bridge.Accept(box, wire, "socket-2"); err != bridge.ErrSocketMismatch {
		t.Fatalf("expected ErrSocketMismatch, got %v", err)
	}
}

func TestAcceptSessionUpdateRequiresExactVersionIncrement(t *testing.T) {
	box := newBox(t)
	wire, err := bridge.Issue(box, bridge.Token{
		SocketID: "socket-1",
		Session:  &session.Snapshot{ID: "sess-1", Version: 5},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := bridge.AcceptSessionUpdate(box, wire, "socket-1", 4); err != nil {
		t.Fatalf("expected version 5 to be accepted after current version 4, got: %v", err)
	}
	if _, err := bridge.AcceptSessionUpdate(box, wire, "socket-1", 3); err != bridge.ErrReplayedVersion {
		t.Fatalf("expected ErrReplayedVersion for a non-adjacent version, got %v", err)
	}
	if _, err := bridge.AcceptSessionUpdate(box, wire, "socket-1", 5); err != bridge.ErrReplayedVersion {
		t.Fatalf("expected ErrReplayedVersion for a replayed (non-incrementing) version, got %v", err)
	}
}

func TestIssueScopedToDifferentSecretIsRejected(t *testing.T) {
	box1 := newBox(t)
	box2, err := token.NewBox(token.WithSecret("a-totally-different-secret"))
	if err != nil {
		t.Fatal(err)
	}
	wire, err := bridge.Issue(box1, bridge.Token{SocketID: "socket-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bridge.Accept(box2, wire, "socket-1"); err == nil {
		t.Fatal("expected decryption to fail across different secrets")
	}
}
