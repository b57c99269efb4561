package session_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atdiar/restfuncs/session"
)

func newHandler(t *testing.T) (*session.Handler, *session.MemStore) {
	t.Helper()
	store := session.NewMemStore()
	h := session.New(store, session.WithCookieSecret("test-secret-value"))
	return h, store
}

func TestNoCommitWhenUnchanged(t *testing.T) {
	h, store := newHandler(t)

	snap, err := h.Load("")
	if err != nil {
		t.Fatal(err)
	}
	view := session.NewView(snap)

	_, committed, err := h.Commit(view)
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Fatal("expected no commit for an untouched view")
	}
	if store.Len() != 0 {
		t.Fatalf("expected no session persisted, got %d", store.Len())
	}
}

func TestCommitOnChangeBumpsVersionAndSalt(t *testing.T) {
	h, _ := newHandler(t)

	snap, _ := h.Load("")
	view := session.NewView(snap)
	view.Set("val", "hello")

	next, committed, err := h.Commit(view)
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("expected a commit")
	}
	if next.ID == "" {
		t.Fatal("expected a fresh id to be assigned")
	}
	if next.Version != 1 {
		t.Fatalf("expected version 1, got %d", next.Version)
	}
	if next.BPSalt == "" {
		t.Fatal("expected a fresh branch-protection salt")
	}
	if next.PreviousBPSalt != "" {
		t.Fatalf("expected empty previous salt on first commit, got %q", next.PreviousBPSalt)
	}

	// A second commit on top of the first must bump version again and
	// roll the salt, storing the prior one.
	view2 := session.NewView(next)
	view2.Set("val", "world")
	next2, committed2, err := h.Commit(view2)
	if err != nil {
		t.Fatal(err)
	}
	if !committed2 {
		t.Fatal("expected a second commit")
	}
	if next2.Version != 2 {
		t.Fatalf("expected version 2, got %d", next2.Version)
	}
	if next2.BPSalt == next.BPSalt {
		t.Fatal("expected branch-protection salt to change")
	}
	if next2.PreviousBPSalt != next.BPSalt {
		t.Fatalf("expected previous salt to carry the prior salt forward")
	}
}

func TestResettingToBaselineValueDoesNotCommit(t *testing.T) {
	h, _ := newHandler(t)

	snap, _ := h.Load("")
	view := session.NewView(snap)
	view.Set("val", "initial")
	committedSnap, committed, err := h.Commit(view)
	if err != nil || !committed {
		t.Fatalf("setup commit failed: committed=%v err=%v", committed, err)
	}

	// Read it back, set it to nil, then back to "initial": final state is
	// identical to the baseline, so no commit should occur.
	view2 := session.NewView(committedSnap)
	view2.Set("val", nil)
	view2.Set("val", "initial")
	_, committed2, err := h.Commit(view2)
	if err != nil {
		t.Fatal(err)
	}
	if committed2 {
		t.Fatal("expected no commit: final value equals baseline")
	}
}

func TestWritingNilDiffersFromBaselineString(t *testing.T) {
	h, _ := newHandler(t)

	snap, _ := h.Load("")
	view := session.NewView(snap)
	view.Set("val", "initial")
	committedSnap, _, _ := h.Commit(view)

	view2 := session.NewView(committedSnap)
	view2.Set("val", nil)
	next, committed, err := h.Commit(view2)
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("expected a commit: nil differs from \"initial\"")
	}
	got, ok := session.NewView(next).Get("val")
	if !ok || got != nil {
		t.Fatalf("expected val == nil, got %v (ok=%v)", got, ok)
	}
}

func TestAnonymousReadNeverForcesCommit(t *testing.T) {
	h, store := newHandler(t)

	snap, err := h.Load("")
	if err != nil {
		t.Fatal(err)
	}
	view := session.NewView(snap)
	if _, ok := view.Get("anything"); ok {
		t.Fatal("expected no value on a fresh anonymous session")
	}

	_, committed, err := h.Commit(view)
	if err != nil {
		t.Fatal(err)
	}
	if committed || store.Len() != 0 {
		t.Fatal("a pure read must never force session issuance")
	}
}

func TestModeIsImmutableOnceSet(t *testing.T) {
	h, _ := newHandler(t)

	snap, _ := h.Load("")
	view := session.NewView(snap)
	view.SetMode(session.ModePreflight)
	next, committed, err := h.Commit(view)
	if err != nil || !committed {
		t.Fatalf("setup commit failed: committed=%v err=%v", committed, err)
	}
	if next.CSRFProtectionMode != session.ModePreflight {
		t.Fatalf("expected mode preflight, got %v", next.CSRFProtectionMode)
	}

	view2 := session.NewView(next)
	view2.SetMode(session.ModeCsrfToken)
	if _, committed2, err := h.Commit(view2); err == nil || committed2 {
		t.Fatalf("expected changing an already-set mode to be refused: committed=%v err=%v", committed2, err)
	}
}

func TestCookieRoundTrip(t *testing.T) {
	h, _ := newHandler(t)

	c, err := h.EncodeCookie("session-id-123")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/getBook", nil)
	req.AddCookie(c)

	got, err := h.IDFromRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if got != "session-id-123" {
		t.Fatalf("got %q, want %q", got, "session-id-123")
	}
}

func TestTamperedCookieRejected(t *testing.T) {
	h, _ := newHandler(t)

	c, err := h.EncodeCookie("session-id-123")
	if err != nil {
		t.Fatal(err)
	}
	c.Value = c.Value[:len(c.Value)-1] + "X"

	req := httptest.NewRequest(http.MethodGet, "/api/getBook", nil)
	req.AddCookie(c)

	if _, err := h.IDFromRequest(req); err == nil {
		t.Fatal("expected a tampered cookie to be rejected")
	}
}
