package state

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrNicknameInUse is returned by AddUser/RenameUser when the
	// requested case-folded nickname already belongs to another user.
	ErrNicknameInUse = errors.New("nickname in use")
	// ErrIdentInUse is returned by AddUser when the requested
	// username@host pair already belongs to another user.
	ErrIdentInUse = errors.New("ident in use")
	// ErrUserNotFound is returned by lookups and mutations addressing an
	// unknown UserId.
	ErrUserNotFound = errors.New("user not found")
	// ErrChannelNotFound is returned by channel operations addressing an
	// unknown channel name.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrServerNotFound is returned by server operations addressing an
	// unknown server name.
	ErrServerNotFound = errors.New("server not found")
	// ErrServerExists is returned by AddServer on a duplicate name.
	ErrServerExists = errors.New("server already exists")
)

// CaseFold lower-cases s per the ASCII casemapping this daemon uses for
// nickname and channel-name comparisons.
func CaseFold(s string) string {
	return strings.ToLower(s)
}

const (
	nickCacheSize = 8192
	nickCacheTTL  = 10 * time.Minute

	channelMembersCacheSize = 4096
	channelMembersCacheTTL  = 5 * time.Minute
)

// Store is the authoritative, concurrently accessed table of users,
// channels, and servers. A single RWMutex guards every index so that a
// multi-index mutation (e.g. renaming a user, which touches the primary
// table, the nick index, and the nick cache) is always observed
// atomically by readers — the state model favors consistency over
// per-shard parallelism, matching the "writers serialize" requirement.
type Store struct {
	mu sync.RWMutex

	usersByID    map[UserId]*User
	usersByNick  map[string]UserId // case-folded
	usersByIdent map[string]UserId

	channels map[string]*Channel // case-folded name
	servers  map[string]*Server  // exact name

	localServer string

	nickCache     *expirable.LRU[string, UserId]
	channelsCache *expirable.LRU[string, []string]

	whowas *whowasRing
}

// New returns an empty Store. localName is the name of this server's own
// node, pre-seeded into the server table with no parent.
func New(localName string, whowasMax int, whowasRetention time.Duration) *Store {
	s := &Store{
		usersByID:     make(map[UserId]*User),
		usersByNick:   make(map[string]UserId),
		usersByIdent:  make(map[string]UserId),
		channels:      make(map[string]*Channel),
		servers:       make(map[string]*Server),
		localServer:   localName,
		nickCache:     expirable.NewLRU[string, UserId](nickCacheSize, nil, nickCacheTTL),
		channelsCache: expirable.NewLRU[string, []string](channelMembersCacheSize, nil, channelMembersCacheTTL),
		whowas:        newWhowasRing(whowasMax, whowasRetention),
	}
	s.servers[localName] = &Server{
		Name:        localName,
		ConnectedAt: time.Now(),
		Children:    make(map[string]struct{}),
	}
	return s
}

// AddUser inserts u, failing with ErrNicknameInUse or ErrIdentInUse if
// either uniqueness invariant would be violated.
func (s *Store) AddUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nick := CaseFold(u.Nick)
	ident := u.Ident()
	if _, exists := s.usersByNick[nick]; exists {
		return ErrNicknameInUse
	}
	if _, exists := s.usersByIdent[ident]; exists {
		return ErrIdentInUse
	}

	stored := u.clone()
	s.usersByID[stored.Id] = stored
	s.usersByNick[nick] = stored.Id
	s.usersByIdent[ident] = stored.Id
	s.nickCache.Add(nick, stored.Id)
	return nil
}

// RemoveUser deletes the user and every index entry referencing it,
// appending a history-ring entry for WHOWAS.
func (s *Store) RemoveUser(id UserId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByID[id]
	if !ok {
		return ErrUserNotFound
	}

	nick := CaseFold(u.Nick)
	delete(s.usersByID, id)
	delete(s.usersByNick, nick)
	delete(s.usersByIdent, u.Ident())
	s.nickCache.Remove(nick)

	for chName := range u.Channels {
		if ch, ok := s.channels[chName]; ok {
			delete(ch.Members, nick)
			s.channelsCache.Remove(chName)
			if len(ch.Members) == 0 {
				delete(s.channels, chName)
			}
		}
	}

	s.whowas.record(u)
	return nil
}

// UpdateUser applies fn to a clone of the user identified by id, then
// commits the clone back as the authoritative record, updating the nick
// and ident indices (and invalidating the relevant caches) if fn changed
// either. If fn changes the nickname to one already in use, the update is
// rejected and the store is left unchanged.
func (s *Store) UpdateUser(id UserId, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByID[id]
	if !ok {
		return ErrUserNotFound
	}

	oldNick := CaseFold(u.Nick)
	oldIdent := u.Ident()

	working := u.clone()
	fn(working)

	newNick := CaseFold(working.Nick)
	newIdent := working.Ident()

	if newNick != oldNick {
		if owner, exists := s.usersByNick[newNick]; exists && owner != id {
			return ErrNicknameInUse
		}
	}
	if newIdent != oldIdent {
		if owner, exists := s.usersByIdent[newIdent]; exists && owner != id {
			return ErrIdentInUse
		}
	}

	s.usersByID[id] = working

	if newNick != oldNick {
		delete(s.usersByNick, oldNick)
		s.usersByNick[newNick] = id
		s.nickCache.Remove(oldNick)
		s.nickCache.Add(newNick, id)

		for chName := range working.Channels {
			if ch, ok := s.channels[chName]; ok {
				if modes, had := ch.Members[oldNick]; had {
					delete(ch.Members, oldNick)
					ch.Members[newNick] = modes
					s.channelsCache.Remove(chName)
				}
			}
		}
	}
	if newIdent != oldIdent {
		delete(s.usersByIdent, oldIdent)
		s.usersByIdent[newIdent] = id
	}

	return nil
}

// GetUser returns a copy of the user record for id, or ErrUserNotFound.
func (s *Store) GetUser(id UserId) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.clone(), nil
}

// GetUserByNick resolves a case-insensitive nickname lookup, consulting
// the LRU cache first. A cache hit whose target no longer exists in the
// primary table is treated as a miss and the stale entry is evicted.
func (s *Store) GetUserByNick(nick string) (*User, error) {
	folded := CaseFold(nick)

	s.mu.RLock()
	if id, ok := s.nickCache.Get(folded); ok {
		if u, ok := s.usersByID[id]; ok && CaseFold(u.Nick) == folded {
			defer s.mu.RUnlock()
			return u.clone(), nil
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByNick[folded]
	if !ok {
		s.nickCache.Remove(folded)
		return nil, ErrUserNotFound
	}
	u, ok := s.usersByID[id]
	if !ok {
		s.nickCache.Remove(folded)
		delete(s.usersByNick, folded)
		return nil, ErrUserNotFound
	}
	s.nickCache.Add(folded, id)
	return u.clone(), nil
}

// GetUserByIdent resolves a username@host lookup.
func (s *Store) GetUserByIdent(ident string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByIdent[ident]
	if !ok {
		return nil, ErrUserNotFound
	}
	u, ok := s.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.clone(), nil
}

// SearchUsers returns every user whose nickname matches the glob pattern
// (`*` and `?` wildcards, case-insensitive).
func (s *Store) SearchUsers(glob string) []*User {
	folded := CaseFold(glob)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*User
	for _, u := range s.usersByID {
		if globMatch(folded, CaseFold(u.Nick)) {
			out = append(out, u.clone())
		}
	}
	return out
}

func globMatch(pattern, s string) bool {
	return globMatchRunes([]rune(pattern), []rune(s))
}

func globMatchRunes(p, s []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '*':
		if globMatchRunes(p[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatchRunes(p[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatchRunes(p[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return globMatchRunes(p[1:], s[1:])
	}
}

// AddServer inserts a new node into the server tree, linking it as a
// child of parentName.
func (s *Store) AddServer(srv *Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[srv.Name]; exists {
		return ErrServerExists
	}
	parent, ok := s.servers[srv.ParentName]
	if !ok {
		return ErrServerNotFound
	}
	stored := srv.clone()
	if stored.Children == nil {
		stored.Children = make(map[string]struct{})
	}
	s.servers[stored.Name] = stored
	parent.Children[stored.Name] = struct{}{}
	return nil
}

// RemoveServer deletes name and its entire subtree, returning the set of
// removed server names (name included).
func (s *Store) RemoveServer(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.collectSubtree(name)
	for _, n := range removed {
		srv := s.servers[n]
		if srv != nil && srv.ParentName != "" {
			if parent, ok := s.servers[srv.ParentName]; ok {
				delete(parent.Children, n)
			}
		}
		delete(s.servers, n)
	}
	return removed
}

func (s *Store) collectSubtree(name string) []string {
	srv, ok := s.servers[name]
	if !ok {
		return nil
	}
	out := []string{name}
	for child := range srv.Children {
		out = append(out, s.collectSubtree(child)...)
	}
	return out
}

// GetServer returns a copy of the named server's record.
func (s *Store) GetServer(name string) (*Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[name]
	if !ok {
		return nil, ErrServerNotFound
	}
	return srv.clone(), nil
}

// IsSuperServer reports whether name is u-lined.
func (s *Store) IsSuperServer(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[name]
	return ok && srv.Super
}

// IsServerReachable reports whether name is present in the local tree at
// all, which for an in-memory acyclic tree means "reachable".
func (s *Store) IsServerReachable(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.servers[name]
	return ok
}

// AddChannel inserts a freshly created channel. It is an error to add one
// that already exists; join the existing one instead.
func (s *Store) AddChannel(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	folded := CaseFold(ch.Name)
	if _, exists := s.channels[folded]; exists {
		return errors.New("channel already exists")
	}
	stored := ch.clone()
	if stored.Members == nil {
		stored.Members = make(map[string]map[MemberMode]struct{})
	}
	s.channels[folded] = stored
	return nil
}

// ReplaceChannel overwrites (or inserts) the stored record for ch.Name
// wholesale, used to persist a netsplit channel-conflict resolution
// that already reflects the merged member/mode state.
func (s *Store) ReplaceChannel(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	folded := CaseFold(ch.Name)
	stored := ch.clone()
	if stored.Members == nil {
		stored.Members = make(map[string]map[MemberMode]struct{})
	}
	s.channels[folded] = stored
	s.channelsCache.Remove(folded)
	return nil
}

// RemoveChannel deletes a channel outright (used once membership reaches
// zero).
func (s *Store) RemoveChannel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	folded := CaseFold(name)
	if _, ok := s.channels[folded]; !ok {
		return ErrChannelNotFound
	}
	delete(s.channels, folded)
	s.channelsCache.Remove(folded)
	return nil
}

// GetChannel returns a copy of the named channel.
func (s *Store) GetChannel(name string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[CaseFold(name)]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch.clone(), nil
}

// AddUserToChannel records membership both on the channel (member →
// modes) and on the user (channel set), invalidating the channel's
// member-list cache.
func (s *Store) AddUserToChannel(id UserId, channelName string, modes map[MemberMode]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByID[id]
	if !ok {
		return ErrUserNotFound
	}
	folded := CaseFold(channelName)
	ch, ok := s.channels[folded]
	if !ok {
		return ErrChannelNotFound
	}

	nickFolded := CaseFold(u.Nick)
	if ch.Members == nil {
		ch.Members = make(map[string]map[MemberMode]struct{})
	}
	if modes == nil {
		modes = make(map[MemberMode]struct{})
	}
	ch.Members[nickFolded] = modes
	if u.Channels == nil {
		u.Channels = make(map[string]struct{})
	}
	u.Channels[folded] = struct{}{}
	s.channelsCache.Remove(folded)
	return nil
}

// RemoveUserFromChannel undoes AddUserToChannel's reciprocal bookkeeping.
// If the channel becomes empty it is destroyed.
func (s *Store) RemoveUserFromChannel(id UserId, channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByID[id]
	if !ok {
		return ErrUserNotFound
	}
	folded := CaseFold(channelName)
	ch, ok := s.channels[folded]
	if !ok {
		return ErrChannelNotFound
	}

	delete(ch.Members, CaseFold(u.Nick))
	delete(u.Channels, folded)
	s.channelsCache.Remove(folded)

	if len(ch.Members) == 0 {
		delete(s.channels, folded)
	}
	return nil
}

// GetChannelUsers returns the case-folded nicks of a channel's members,
// consulting the LRU cache first.
func (s *Store) GetChannelUsers(channelName string) ([]string, error) {
	folded := CaseFold(channelName)

	s.mu.RLock()
	if cached, ok := s.channelsCache.Get(folded); ok {
		if ch, ok := s.channels[folded]; ok {
			defer s.mu.RUnlock()
			_ = ch
			return append([]string(nil), cached...), nil
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[folded]
	if !ok {
		s.channelsCache.Remove(folded)
		return nil, ErrChannelNotFound
	}
	members := make([]string, 0, len(ch.Members))
	for nick := range ch.Members {
		members = append(members, nick)
	}
	s.channelsCache.Add(folded, append([]string(nil), members...))
	return members, nil
}

// GetUserChannels returns the case-folded channel names a user belongs to.
func (s *Store) GetUserChannels(id UserId) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := make([]string, 0, len(u.Channels))
	for ch := range u.Channels {
		out = append(out, ch)
	}
	return out, nil
}

// AllUsers returns a copy of every user currently in the store, in no
// particular order. Used by the netsplit manager to scan for users whose
// home server just became unreachable.
func (s *Store) AllUsers() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		out = append(out, u.clone())
	}
	return out
}

// ServerCount returns the number of servers currently known to the local
// tree (including the local node itself).
func (s *Store) ServerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.servers)
}

// AllServers returns a copy of every server currently known to the local
// tree, in no particular order. Used to render the server tree over the
// admin API.
func (s *Store) AllServers() []*Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv.clone())
	}
	return out
}

// AllChannels returns a copy of every channel currently known to the
// store, in no particular order. Used to render the channel list over
// the admin API.
func (s *Store) AllChannels() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.clone())
	}
	return out
}

// Whowas returns the retained history entries for a case-folded nickname,
// most recent first.
func (s *Store) Whowas(nick string) []WhowasEntry {
	return s.whowas.lookup(CaseFold(nick))
}

// SweepWhowas drops entries past the retention window. Call periodically.
func (s *Store) SweepWhowas(now time.Time) {
	s.whowas.sweep(now)
}
