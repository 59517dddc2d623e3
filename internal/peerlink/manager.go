package peerlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ircd/internal/audit"
	"ircd/internal/wire"
)

// localOnlyCommands never propagate to other peers: they are meaningful
// only between a client and the server that owns its connection, or are
// addressed to this server specifically.
var localOnlyCommands = map[string]struct{}{
	"PING": {},
	"PONG": {},
}

// Manager owns the set of configured peer links, propagates messages
// across them, and drives the reconnect schedule.
type Manager struct {
	mu    sync.RWMutex
	links map[string]*Link
	log   *slog.Logger
	sink  *audit.Sink
	local Identity
}

// New returns an empty Manager for the given local server identity.
func New(local Identity, log *slog.Logger, sink *audit.Sink) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		links: make(map[string]*Link),
		log:   log,
		sink:  sink,
		local: local,
	}
}

// Configure registers a peer link configuration. Call once per peer at
// startup (or on config reload) before any reconnect ticking occurs.
func (m *Manager) Configure(cfg PeerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.links[cfg.Name]; exists {
		return
	}
	m.links[cfg.Name] = NewLink(cfg)
}

// Link returns the named link, or nil if no such peer is configured.
func (m *Manager) Link(name string) *Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[name]
}

// Attach installs an established session for an already-configured peer
// and marks it PeerRegistered, used once handshake succeeds whether the
// link was dialed out or accepted incoming.
func (m *Manager) Attach(now time.Time, name string, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if !ok {
		return fmt.Errorf("peerlink: attach: %w", ErrUnexpectedPeer)
	}
	if l.State == PeerRegistered {
		return ErrDuplicateServer
	}
	l.MarkLinked(now, sess)
	if m.sink != nil {
		m.sink.Emit(audit.EventServerConnect, m.local.Name, name, nil)
	}
	return nil
}

// Squit tears down the named link's session and marks it Down without
// scheduling an immediate reconnect retry beyond the normal backoff. It
// returns nothing and touches only this one link; the netsplit manager
// enumerates affected users from the store's server tree.
func (m *Manager) Squit(now time.Time, name string) {
	m.mu.Lock()
	l, ok := m.links[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	l.MarkDown(now)
	if m.sink != nil {
		m.sink.Emit(audit.EventServerSquit, m.local.Name, name, nil)
	}
}

// Propagate forwards msg to every PeerRegistered link except origin
// (empty origin means the message originated locally and goes to every
// link). Local-only commands are never propagated.
func (m *Manager) Propagate(origin string, msg *wire.Message) {
	if _, skip := localOnlyCommands[msg.Command]; skip {
		return
	}
	m.mu.RLock()
	targets := make([]*Link, 0, len(m.links))
	for name, l := range m.links {
		if name == origin || l.State != PeerRegistered || l.Session == nil {
			continue
		}
		targets = append(targets, l)
	}
	m.mu.RUnlock()

	for _, l := range targets {
		if err := writeLine(l.Session.Control(), msg); err != nil {
			m.log.Warn("peerlink: propagate failed", "peer", l.Config.Name, "err", err)
		}
	}
}

// Tick drives the reconnect schedule: every configured reconnectable
// link that is Down and due is dialed via dial. On success the caller's
// handshake/attach flow is expected to have already run inside dial; on
// error the link's backoff is advanced.
func (m *Manager) Tick(ctx context.Context, now time.Time, dial func(ctx context.Context, cfg PeerConfig) error) {
	m.mu.RLock()
	due := make([]*Link, 0)
	for _, l := range m.links {
		if l.DueForReconnect(now) {
			due = append(due, l)
		}
	}
	m.mu.RUnlock()

	for _, l := range due {
		l.Reconnect.LastAttempt = now
		if err := dial(ctx, l.Config); err != nil {
			m.log.Warn("peerlink: reconnect failed", "peer", l.Config.Name, "err", err)
			l.MarkDown(now)
		}
	}
}

// LinkedPeers returns the names of every currently PeerRegistered link.
func (m *Manager) LinkedPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.links))
	for name, l := range m.links {
		if l.State == PeerRegistered {
			out = append(out, name)
		}
	}
	return out
}
