package main

import (
	"log/slog"
	"testing"
	"time"

	"ircd/internal/audit"
	"ircd/internal/broadcast"
	"ircd/internal/config"
	"ircd/internal/netsplit"
	"ircd/internal/peerlink"
	"ircd/internal/state"
	"ircd/internal/supervisor"
	"ircd/internal/wire"
)

// newTestDaemon builds a Daemon with just enough wired to exercise the
// burst-apply and collision paths directly, without any listener, peer
// link, or audit database.
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	store := state.New("hub.local", 1000, time.Hour)
	sink := audit.NewSink(nil, nil)
	return &Daemon{
		cfg: &config.Config{
			Identity: config.Identity{Name: "hub.local", Version: "1.0", Description: "hub"},
		},
		log:       slog.Default(),
		store:     store,
		netsplit:  netsplit.New(netsplit.Config{LocalServer: "hub.local", GracePeriod: time.Minute, OptimizationWindow: 5 * time.Minute}, store, sink),
		peers:     peerlink.New(peerlink.Identity{Name: "hub.local", Version: "1.0", Description: "hub"}, nil, sink),
		fanout:    broadcast.New(broadcast.Triggers{MaxCount: 20, MaxBytes: 4096, MaxDelay: time.Second}),
		auditSink: sink,
		conns:     make(map[string]*supervisor.Connection),
	}
}

func TestEncodeDecodeByteModesRoundTrip(t *testing.T) {
	modes := map[byte]struct{}{'i': {}, 'o': {}}
	decoded := decodeByteModes(encodeByteModes(modes))
	if len(decoded) != 2 {
		t.Fatalf("expected 2 modes decoded, got %d", len(decoded))
	}
	if _, ok := decoded['i']; !ok {
		t.Fatal("expected mode i preserved")
	}
}

func TestEncodeDecodeByteModesEmpty(t *testing.T) {
	if got := encodeByteModes(nil); got != burstEmptyField {
		t.Fatalf("expected sentinel for empty modes, got %q", got)
	}
	if decoded := decodeByteModes(burstEmptyField); len(decoded) != 0 {
		t.Fatalf("expected empty decode for sentinel, got %v", decoded)
	}
}

func TestEncodeDecodeMembersBlobRoundTrip(t *testing.T) {
	members := map[string]map[state.MemberMode]struct{}{
		"alice": {state.ModeOp: {}},
		"bob":   {},
	}
	decoded := decodeMembersBlob(encodeMembersBlob(members))
	if len(decoded) != 2 {
		t.Fatalf("expected 2 members decoded, got %d", len(decoded))
	}
	if _, ok := decoded["alice"][state.ModeOp]; !ok {
		t.Fatal("expected alice's op mode preserved")
	}
	if modes, ok := decoded["bob"]; !ok || len(modes) != 0 {
		t.Fatalf("expected bob present with no modes, got %v ok=%v", modes, ok)
	}
}

func TestEncodeDecodeMembersBlobEmpty(t *testing.T) {
	if got := encodeMembersBlob(nil); got != burstEmptyField {
		t.Fatalf("expected sentinel for empty members, got %q", got)
	}
	if decoded := decodeMembersBlob(burstEmptyField); len(decoded) != 0 {
		t.Fatalf("expected empty decode for sentinel, got %v", decoded)
	}
}

func TestApplyServerBurstInstallsRemoteServer(t *testing.T) {
	d := newTestDaemon(t)
	msg := wire.New("SBURST", "leaf1.local", "1.0", "1", burstEmptyField, "leaf one")
	d.applyServerBurst("leaf1.local", msg)

	srv, err := d.store.GetServer("leaf1.local")
	if err != nil {
		t.Fatalf("expected leaf1.local installed: %v", err)
	}
	if srv.ParentName != "hub.local" {
		t.Fatalf("expected empty parent to default to local identity, got %q", srv.ParentName)
	}
}

func TestApplyServerBurstSkipsSelf(t *testing.T) {
	d := newTestDaemon(t)
	msg := wire.New("SBURST", "hub.local", "1.0", "0", burstEmptyField, "hub")
	d.applyServerBurst("leaf1.local", msg)

	if _, err := d.store.GetServer("hub.local"); err == nil {
		t.Fatal("expected local identity to never be installed as a remote server")
	}
}

func TestApplyUserBurstNoCollisionInstalls(t *testing.T) {
	d := newTestDaemon(t)
	msg := burstUserMessage(&state.User{
		Nick: "alice", Username: "alice", Host: "host1", HomeServer: "leaf1.local",
		Modes: map[byte]struct{}{}, RegisteredAt: time.Unix(1_700_000_000, 0), RealName: "Alice",
	})
	d.applyUserBurst("leaf1.local", msg)

	u, err := d.store.GetUserByNick("alice")
	if err != nil {
		t.Fatalf("expected alice installed from burst: %v", err)
	}
	if u.HomeServer != "leaf1.local" {
		t.Fatalf("home server = %q", u.HomeServer)
	}
}

func TestApplyUserBurstOlderLocalSurvivesCollision(t *testing.T) {
	d := newTestDaemon(t)
	older := time.Unix(1_700_000_000, 0)
	local := &state.User{
		Id: state.NewUserId(), Nick: "carol", Username: "c", Host: "h1",
		HomeServer: "leaf1.local", RegisteredAt: older, State: state.Active,
		Modes: map[byte]struct{}{}, Channels: map[string]struct{}{},
	}
	if err := d.store.AddUser(local); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	younger := older.Add(10 * time.Second)
	msg := burstUserMessage(&state.User{
		Nick: "carol", Username: "c2", Host: "h2", HomeServer: "leaf2.local",
		Modes: map[byte]struct{}{}, RegisteredAt: younger,
	})
	d.applyUserBurst("leaf2.local", msg)

	got, err := d.store.GetUserByNick("carol")
	if err != nil {
		t.Fatalf("expected carol to remain: %v", err)
	}
	if got.Id != local.Id || got.HomeServer != "leaf1.local" {
		t.Fatalf("expected local (older) carol to survive the collision, got %+v", got)
	}
}

func TestApplyUserBurstYoungerLocalLosesCollision(t *testing.T) {
	d := newTestDaemon(t)
	older := time.Unix(1_700_000_000, 0)
	local := &state.User{
		Id: state.NewUserId(), Nick: "dave", Username: "d", Host: "h1",
		HomeServer: "leaf1.local", RegisteredAt: older.Add(10 * time.Second), State: state.Active,
		Modes: map[byte]struct{}{}, Channels: map[string]struct{}{},
	}
	if err := d.store.AddUser(local); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	msg := burstUserMessage(&state.User{
		Nick: "dave", Username: "d2", Host: "h2", HomeServer: "leaf2.local",
		Modes: map[byte]struct{}{}, RegisteredAt: older,
	})
	d.applyUserBurst("leaf2.local", msg)

	got, err := d.store.GetUserByNick("dave")
	if err != nil {
		t.Fatalf("expected dave (remote, older) installed after collision: %v", err)
	}
	if got.HomeServer != "leaf2.local" {
		t.Fatalf("expected remote entry to win, got home server %q", got.HomeServer)
	}
}

func TestApplyUserBurstRestoresNetsplitUser(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.store.AddServer(&state.Server{Name: "leaf1.local", ParentName: "hub.local"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	registeredAt := time.Unix(1_700_000_000, 0)
	local := &state.User{
		Id: state.NewUserId(), Nick: "erin", Username: "erin", Host: "host1",
		HomeServer: "leaf1.local", RegisteredAt: registeredAt, State: state.Active,
		Modes: map[byte]struct{}{}, Channels: map[string]struct{}{},
	}
	if err := d.store.AddUser(local); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	d.store.RemoveServer("leaf1.local")
	d.netsplit.HandlePeerDisconnect(time.Now(), "leaf1.local", 2)
	if err := d.store.AddServer(&state.Server{Name: "leaf1.local", ParentName: "hub.local"}); err != nil {
		t.Fatalf("re-add leaf1.local: %v", err)
	}

	msg := burstUserMessage(&state.User{
		Nick: "erin", Username: "erin", Host: "host1", HomeServer: "leaf1.local",
		Modes: map[byte]struct{}{}, RegisteredAt: registeredAt,
	})
	d.applyUserBurst("leaf1.local", msg)

	got, err := d.store.GetUser(local.Id)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.State != state.Active {
		t.Fatalf("expected erin restored to Active, got %v", got.State)
	}
}

func TestApplyChannelBurstInstallsFreshChannel(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.store.AddUser(&state.User{
		Id: state.NewUserId(), Nick: "frank", Username: "frank", Host: "h",
		HomeServer: "leaf1.local", Modes: map[byte]struct{}{}, Channels: map[string]struct{}{},
		State: state.Active,
	}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	msg := burstChannelMessage(&state.Channel{
		Name: "#chat", CreatedAt: time.Unix(1_700_000_000, 0),
		Members: map[string]map[state.MemberMode]struct{}{"frank": {state.ModeOp: {}}},
	})
	d.applyChannelBurst("leaf1.local", msg)

	ch, err := d.store.GetChannel("#chat")
	if err != nil {
		t.Fatalf("expected #chat installed: %v", err)
	}
	if _, ok := ch.Members["frank"]; !ok {
		t.Fatal("expected frank present in burst-installed channel")
	}
	u, err := d.store.GetUserByNick("frank")
	if err != nil {
		t.Fatalf("GetUserByNick: %v", err)
	}
	if _, joined := u.Channels[state.CaseFold("#chat")]; !joined {
		t.Fatal("expected syncChannelMembership to update frank's reverse channel index")
	}
}

func TestApplyChannelBurstOlderRemoteWinsConflict(t *testing.T) {
	d := newTestDaemon(t)
	older := time.Unix(1_700_000_000, 0)
	younger := older.Add(time.Hour)

	if err := d.store.AddChannel(&state.Channel{
		Name: "#chat", CreatedAt: younger,
		Modes:   map[byte]struct{}{'t': {}},
		Members: map[string]map[state.MemberMode]struct{}{},
	}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	msg := burstChannelMessage(&state.Channel{
		Name: "#chat", CreatedAt: older,
		Modes:   map[byte]struct{}{'n': {}},
		Members: map[string]map[state.MemberMode]struct{}{},
	})
	d.applyChannelBurst("leaf1.local", msg)

	merged, err := d.store.GetChannel("#chat")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if merged.CreatedAt.Unix() != older.Unix() {
		t.Fatalf("expected older (remote) side's timestamp to win, got %v", merged.CreatedAt)
	}
	if _, ok := merged.Modes['n']; !ok {
		t.Fatal("expected remote (older) mode set to replace local's wholesale")
	}
}

func TestSquitServerTransitionsUsersToNetSplit(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.store.AddServer(&state.Server{Name: "leaf1.local", ParentName: "hub.local"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	u := &state.User{
		Id: state.NewUserId(), Nick: "gail", Username: "gail", Host: "h",
		HomeServer: "leaf1.local", Modes: map[byte]struct{}{}, Channels: map[string]struct{}{},
		State: state.Active, RegisteredAt: time.Now(),
	}
	if err := d.store.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	d.squitServer("leaf1.local", "test squit")

	got, err := d.store.GetUser(u.Id)
	if err != nil {
		t.Fatalf("expected gail retained through grace period: %v", err)
	}
	if got.State != state.NetSplit {
		t.Fatalf("expected gail transitioned to NetSplit, got %v", got.State)
	}
	if d.store.IsServerReachable("leaf1.local") {
		t.Fatal("expected leaf1.local removed from the server tree")
	}
}

func TestKillLocalUserRemovesUserAndPropagatesQuit(t *testing.T) {
	d := newTestDaemon(t)
	u := &state.User{
		Id: state.NewUserId(), Nick: "hank", Username: "hank", Host: "h",
		HomeServer: "leaf1.local", Modes: map[byte]struct{}{}, Channels: map[string]struct{}{},
		State: state.Active, RegisteredAt: time.Now(),
	}
	if err := d.store.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	d.killLocalUser("leaf2.local", u, "Nickname collision")

	if _, err := d.store.GetUser(u.Id); err == nil {
		t.Fatal("expected hank removed from the store")
	}
}
