package state

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New("hub.example.net", 1000, 30*24*time.Hour)
}

func newTestUser(nick, username, host string) *User {
	now := time.Now()
	return &User{
		Id:           NewUserId(),
		Nick:         nick,
		Username:     username,
		Host:         host,
		RealName:     "Test User",
		HomeServer:   "hub.example.net",
		Modes:        make(map[byte]struct{}),
		Channels:     make(map[string]struct{}),
		State:        Active,
		RegisteredAt: now,
		LastActivity: now,
	}
}

func TestAddUserUniqueness(t *testing.T) {
	s := newTestStore(t)
	u1 := newTestUser("alice", "alice", "host1")
	if err := s.AddUser(u1); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	u2 := newTestUser("Alice", "bob", "host2")
	if err := s.AddUser(u2); err != ErrNicknameInUse {
		t.Fatalf("expected ErrNicknameInUse, got %v", err)
	}

	u3 := newTestUser("bob", "alice", "host1")
	if err := s.AddUser(u3); err != ErrIdentInUse {
		t.Fatalf("expected ErrIdentInUse, got %v", err)
	}
}

func TestGetUserByNickCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser("Alice", "alice", "host1")
	if err := s.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	got, err := s.GetUserByNick("ALICE")
	if err != nil {
		t.Fatalf("GetUserByNick: %v", err)
	}
	if got.Id != u.Id {
		t.Fatalf("expected same user, got different id")
	}
}

// TestRenameInvalidatesCache exercises invariant 5: after a nick change,
// the old nickname resolves to nothing and the new one resolves to the
// updated user, even though the old nickname was cached by a prior
// lookup.
func TestRenameInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser("alice", "alice", "host1")
	if err := s.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	// Warm the cache under the old nick.
	if _, err := s.GetUserByNick("alice"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	if err := s.UpdateUser(u.Id, func(working *User) { working.Nick = "alicia" }); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	if _, err := s.GetUserByNick("alice"); err != ErrUserNotFound {
		t.Fatalf("expected old nick to resolve to nothing, got err=%v", err)
	}
	got, err := s.GetUserByNick("alicia")
	if err != nil {
		t.Fatalf("GetUserByNick(new): %v", err)
	}
	if got.Id != u.Id {
		t.Fatal("expected new nick to resolve to the same user")
	}
}

// TestRemoveUserInvalidatesAllIndices exercises invariant 6.
func TestRemoveUserInvalidatesAllIndices(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser("alice", "alice", "host1")
	if err := s.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if _, err := s.GetUserByNick("alice"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	ch := &Channel{Name: "#chat", CreatedAt: time.Now()}
	if err := s.AddChannel(ch); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := s.AddUserToChannel(u.Id, "#chat", nil); err != nil {
		t.Fatalf("AddUserToChannel: %v", err)
	}

	if err := s.RemoveUser(u.Id); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}

	if _, err := s.GetUser(u.Id); err != ErrUserNotFound {
		t.Fatalf("expected primary lookup to fail, got %v", err)
	}
	if _, err := s.GetUserByNick("alice"); err != ErrUserNotFound {
		t.Fatalf("expected nick lookup to fail, got %v", err)
	}
	if _, err := s.GetUserByIdent("alice@host1"); err != ErrUserNotFound {
		t.Fatalf("expected ident lookup to fail, got %v", err)
	}
	members, err := s.GetChannelUsers("#chat")
	if err == nil && len(members) != 0 {
		t.Fatalf("expected channel empty or gone, got members=%v", members)
	}

	entries := s.Whowas("alice")
	if len(entries) != 1 {
		t.Fatalf("expected a whowas entry, got %d", len(entries))
	}
}

func TestUpdateUserRejectsCollidingRename(t *testing.T) {
	s := newTestStore(t)
	a := newTestUser("alice", "alice", "host1")
	b := newTestUser("bob", "bob", "host2")
	if err := s.AddUser(a); err != nil {
		t.Fatalf("AddUser a: %v", err)
	}
	if err := s.AddUser(b); err != nil {
		t.Fatalf("AddUser b: %v", err)
	}

	err := s.UpdateUser(b.Id, func(working *User) { working.Nick = "alice" })
	if err != ErrNicknameInUse {
		t.Fatalf("expected ErrNicknameInUse, got %v", err)
	}

	got, err := s.GetUserByNick("bob")
	if err != nil || got.Id != b.Id {
		t.Fatalf("expected bob's nick unchanged after rejected rename")
	}
}

func TestChannelMembershipReciprocity(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser("alice", "alice", "host1")
	if err := s.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	ch := &Channel{Name: "#chat", CreatedAt: time.Now()}
	if err := s.AddChannel(ch); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := s.AddUserToChannel(u.Id, "#chat", map[MemberMode]struct{}{ModeOp: {}}); err != nil {
		t.Fatalf("AddUserToChannel: %v", err)
	}

	members, err := s.GetChannelUsers("#chat")
	if err != nil || len(members) != 1 || members[0] != "alice" {
		t.Fatalf("GetChannelUsers: %v, %v", members, err)
	}
	userChans, err := s.GetUserChannels(u.Id)
	if err != nil || len(userChans) != 1 || userChans[0] != "#chat" {
		t.Fatalf("GetUserChannels: %v, %v", userChans, err)
	}

	if err := s.RemoveUserFromChannel(u.Id, "#chat"); err != nil {
		t.Fatalf("RemoveUserFromChannel: %v", err)
	}
	if _, err := s.GetChannel("#chat"); err != ErrChannelNotFound {
		t.Fatal("expected channel destroyed once empty")
	}
	userChans, _ = s.GetUserChannels(u.Id)
	if len(userChans) != 0 {
		t.Fatalf("expected user to have no channels left, got %v", userChans)
	}
}

func TestServerTreeAcyclicAndSubtreeRemoval(t *testing.T) {
	s := newTestStore(t)
	hub := &Server{Name: "hub.example.net"}
	_ = hub

	leaf := &Server{Name: "leaf.example.net", ParentName: "hub.example.net"}
	if err := s.AddServer(leaf); err != nil {
		t.Fatalf("AddServer leaf: %v", err)
	}
	grandchild := &Server{Name: "grand.example.net", ParentName: "leaf.example.net"}
	if err := s.AddServer(grandchild); err != nil {
		t.Fatalf("AddServer grandchild: %v", err)
	}

	if !s.IsServerReachable("grand.example.net") {
		t.Fatal("expected grandchild reachable")
	}

	removed := s.RemoveServer("leaf.example.net")
	if len(removed) != 2 {
		t.Fatalf("expected 2 servers removed, got %v", removed)
	}
	if s.IsServerReachable("leaf.example.net") || s.IsServerReachable("grand.example.net") {
		t.Fatal("expected entire subtree removed")
	}
	if !s.IsServerReachable("hub.example.net") {
		t.Fatal("expected local root to survive")
	}
}

func TestSearchUsersGlob(t *testing.T) {
	s := newTestStore(t)
	for _, nick := range []string{"alice", "alicia", "bob"} {
		if err := s.AddUser(newTestUser(nick, nick, nick+".host")); err != nil {
			t.Fatalf("AddUser(%s): %v", nick, err)
		}
	}
	matches := s.SearchUsers("ali*")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches for ali*, got %d", len(matches))
	}
}

func TestReplaceChannelOverwritesMembersAndInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser("alice", "alice", "host1")
	if err := s.AddUser(u); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	ch := &Channel{Name: "#chat", CreatedAt: time.Now(), Members: map[string]map[MemberMode]struct{}{}}
	if err := s.AddChannel(ch); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if _, err := s.GetChannelUsers("#chat"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	merged := &Channel{
		Name:      "#chat",
		CreatedAt: ch.CreatedAt,
		Members: map[string]map[MemberMode]struct{}{
			"alice": {ModeOp: {}},
			"bob":   {},
		},
	}
	if err := s.ReplaceChannel(merged); err != nil {
		t.Fatalf("ReplaceChannel: %v", err)
	}

	got, err := s.GetChannel("#chat")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if len(got.Members) != 2 {
		t.Fatalf("expected replaced channel to have 2 members, got %d", len(got.Members))
	}
	if _, ok := got.Members["bob"]; !ok {
		t.Fatal("expected bob present after replace")
	}
}

func TestReplaceChannelInsertsWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	ch := &Channel{Name: "#new", CreatedAt: time.Now()}
	if err := s.ReplaceChannel(ch); err != nil {
		t.Fatalf("ReplaceChannel: %v", err)
	}
	if _, err := s.GetChannel("#new"); err != nil {
		t.Fatalf("expected channel inserted via ReplaceChannel: %v", err)
	}
}
