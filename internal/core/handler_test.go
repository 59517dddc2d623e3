package core

import (
	"testing"

	"ircd/internal/dispatch"
	"ircd/internal/module"
	"ircd/internal/state"
	"ircd/internal/wire"
)

type capturedSend struct {
	connID string
	lines  []string
}

func newTestHandler(t *testing.T) (*Handler, *state.Store, *[]capturedSend, *[]dispatch.Phase) {
	t.Helper()
	store := state.New("hub.local", 100, 0)
	var sends []capturedSend
	var phases []dispatch.Phase
	var registered *state.User

	hooks := Hooks{
		Send: func(connID string, lines ...string) {
			sends = append(sends, capturedSend{connID: connID, lines: lines})
		},
		OnUserRegistered: func(ctx module.Context, u *state.User) {
			registered = u
		},
		AdvancePhase: func(connID string, phase dispatch.Phase) {
			phases = append(phases, phase)
		},
	}
	peerLookup := func(name string) (PeerCredentials, bool) {
		if name == "leaf1.local" {
			return PeerCredentials{ExpectedPassword: "leaf-secret"}, true
		}
		return PeerCredentials{}, false
	}
	h := New(Identity{Name: "hub.local", Version: "1.0", Description: "hub"}, store, hooks, peerLookup, nil)
	_ = registered
	return h, store, &sends, &phases
}

func TestNickThenUserCompletesRegistration(t *testing.T) {
	h, store, sends, phases := newTestHandler(t)
	ctx := module.Context{ConnectionID: "conn-1"}

	outcome := h.HandleCore(ctx, dispatch.PreRegistration, wire.New("NICK", "alice"))
	if outcome.Result != module.Handled {
		t.Fatalf("NICK outcome = %v", outcome)
	}

	outcome = h.HandleCore(ctx, dispatch.PreRegistration, wire.New("USER", "alice", "0", "*", "Alice User"))
	if outcome.Result != module.Handled {
		t.Fatalf("USER outcome = %v", outcome)
	}

	if len(*phases) != 1 || (*phases)[0] != dispatch.Registered {
		t.Fatalf("expected AdvancePhase(Registered) exactly once, got %v", *phases)
	}
	if len(*sends) == 0 {
		t.Fatal("expected a welcome burst to be sent")
	}

	u, err := store.GetUserByNick("alice")
	if err != nil {
		t.Fatalf("expected alice registered in store: %v", err)
	}
	if u.Username != "alice" {
		t.Fatalf("username = %q", u.Username)
	}
}

func TestUserThenNickCompletesRegistration(t *testing.T) {
	h, store, _, phases := newTestHandler(t)
	ctx := module.Context{ConnectionID: "conn-2"}

	h.HandleCore(ctx, dispatch.PreRegistration, wire.New("USER", "bob", "0", "*", "Bob User"))
	if len(*phases) != 0 {
		t.Fatal("should not register before NICK arrives")
	}
	h.HandleCore(ctx, dispatch.PreRegistration, wire.New("NICK", "bob"))
	if len(*phases) != 1 {
		t.Fatal("expected registration to complete once NICK arrives")
	}
	if _, err := store.GetUserByNick("bob"); err != nil {
		t.Fatalf("expected bob registered: %v", err)
	}
}

func TestDuplicateNickRejectedPreRegistration(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	ctx1 := module.Context{ConnectionID: "conn-1"}
	ctx2 := module.Context{ConnectionID: "conn-2"}

	h.HandleCore(ctx1, dispatch.PreRegistration, wire.New("NICK", "carol"))
	h.HandleCore(ctx1, dispatch.PreRegistration, wire.New("USER", "carol", "0", "*", "Carol"))

	outcome := h.HandleCore(ctx2, dispatch.PreRegistration, wire.New("NICK", "carol"))
	if outcome.Result != module.Rejected {
		t.Fatalf("expected second NICK carol to be rejected, got %v", outcome)
	}
}

func TestNickChangeAfterRegistration(t *testing.T) {
	h, store, sends, _ := newTestHandler(t)
	ctx := module.Context{ConnectionID: "conn-1"}
	h.HandleCore(ctx, dispatch.PreRegistration, wire.New("NICK", "dave"))
	h.HandleCore(ctx, dispatch.PreRegistration, wire.New("USER", "dave", "0", "*", "Dave"))

	u, err := store.GetUserByNick("dave")
	if err != nil {
		t.Fatalf("GetUserByNick: %v", err)
	}
	ctx.UserID = u.Id.String()

	*sends = nil
	outcome := h.HandleCore(ctx, dispatch.Registered, wire.New("NICK", "davey"))
	if outcome.Result != module.Handled {
		t.Fatalf("nick change outcome = %v", outcome)
	}
	if _, err := store.GetUserByNick("davey"); err != nil {
		t.Fatalf("expected renamed nick resolvable: %v", err)
	}
	if len(*sends) != 1 {
		t.Fatalf("expected one NICK announcement sent, got %d", len(*sends))
	}
}

func TestServerHandshakeWrongPasswordRejected(t *testing.T) {
	h, _, _, phases := newTestHandler(t)
	ctx := module.Context{ConnectionID: "peer-conn"}

	h.HandleCore(ctx, dispatch.PreRegistration, wire.New("PASS", "wrong-secret"))
	outcome := h.HandleCore(ctx, dispatch.PreRegistration, wire.New("SERVER", "leaf1.local", "1.0", "leaf"))
	if outcome.Result != module.Rejected {
		t.Fatalf("expected password mismatch rejection, got %v", outcome)
	}
	if len(*phases) != 0 {
		t.Fatal("should not advance phase on rejected handshake")
	}
}

func TestServerHandshakeSucceeds(t *testing.T) {
	h, _, sends, phases := newTestHandler(t)
	ctx := module.Context{ConnectionID: "peer-conn"}

	h.HandleCore(ctx, dispatch.PreRegistration, wire.New("PASS", "leaf-secret"))
	outcome := h.HandleCore(ctx, dispatch.PreRegistration, wire.New("SERVER", "leaf1.local", "1.0", "leaf"))
	if outcome.Result != module.Handled {
		t.Fatalf("expected handshake success, got %v", outcome)
	}
	if len(*phases) != 1 || (*phases)[0] != dispatch.PeerRegistered {
		t.Fatalf("expected AdvancePhase(PeerRegistered), got %v", *phases)
	}
	if len(*sends) != 1 || len((*sends)[0].lines) != 2 {
		t.Fatalf("expected a PASS+SERVER reply pair, got %+v", *sends)
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	h, _, sends, _ := newTestHandler(t)
	ctx := module.Context{ConnectionID: "conn-1"}
	h.HandleCore(ctx, dispatch.Registered, wire.New("PING", "token123"))
	if len(*sends) != 1 {
		t.Fatal("expected a PONG reply")
	}
}

func TestSquitFiresOnSquitHook(t *testing.T) {
	store := state.New("hub.local", 100, 0)
	type squit struct {
		server, reason string
	}
	var squits []squit
	hooks := Hooks{
		OnSquit: func(ctx module.Context, server, reason string) {
			squits = append(squits, squit{server, reason})
		},
	}
	peerLookup := func(name string) (PeerCredentials, bool) { return PeerCredentials{}, false }
	h := New(Identity{Name: "hub.local", Version: "1.0", Description: "hub"}, store, hooks, peerLookup, nil)
	ctx := module.Context{ConnectionID: "peer-conn"}

	outcome := h.HandleCore(ctx, dispatch.PeerRegistered, wire.New("SQUIT", "leaf1.local", "maintenance"))
	if outcome.Result != module.Handled {
		t.Fatalf("SQUIT outcome = %v", outcome)
	}
	if len(squits) != 1 || squits[0].server != "leaf1.local" || squits[0].reason != "maintenance" {
		t.Fatalf("expected OnSquit(leaf1.local, maintenance), got %+v", squits)
	}
}

func TestSquitMissingServerRejected(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	ctx := module.Context{ConnectionID: "peer-conn"}
	outcome := h.HandleCore(ctx, dispatch.PeerRegistered, wire.New("SQUIT"))
	if outcome.Result != module.Rejected {
		t.Fatalf("expected SQUIT with no target to be rejected, got %v", outcome)
	}
}
