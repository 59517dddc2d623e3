// Package netsplit implements grace-period user retention after a peer
// disconnect, delta-burst optimization on rejoin, and timestamp-based
// nick-collision arbitration. It holds no socket or transport state of
// its own — the peer-link engine calls into it on disconnect and on
// each inbound burst entry.
package netsplit

import (
	"fmt"
	"time"

	"ircd/internal/audit"
	"ircd/internal/state"
)

// Severity classifies how disruptive a split is, based on the fraction of
// the known server mesh that remains reachable.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

func severityFor(remaining, total int) Severity {
	if total <= 0 {
		return SeverityCritical
	}
	ratio := float64(remaining) / float64(total)
	switch {
	case ratio >= 0.75:
		return SeverityMinor
	case ratio >= 0.50:
		return SeverityMajor
	default:
		return SeverityCritical
	}
}

// SplitUser describes one user transitioned to NetSplit, with enough
// detail for the caller to emit QUIT lines to the user's channels.
type SplitUser struct {
	UserID     state.UserId
	Nick       string
	Channels   []string
	QuitReason string
}

// Manager tracks grace-period retention for netsplit users and the
// per-peer last-burst bookkeeping needed for delta-burst optimization.
type Manager struct {
	store        *state.Store
	sink         *audit.Sink
	localServer  string
	gracePeriod  time.Duration
	optimization time.Duration

	lastBurst map[string]time.Time
}

// Config holds the tunables a Manager is constructed with.
type Config struct {
	LocalServer        string
	GracePeriod        time.Duration // default 60s
	OptimizationWindow time.Duration // default 300s
}

// New returns a Manager backed by store, emitting audit events through
// sink (which may be nil to disable audit emission, e.g. in tests).
func New(cfg Config, store *state.Store, sink *audit.Sink) *Manager {
	return &Manager{
		store:        store,
		sink:         sink,
		localServer:  cfg.LocalServer,
		gracePeriod:  cfg.GracePeriod,
		optimization: cfg.OptimizationWindow,
		lastBurst:    make(map[string]time.Time),
	}
}

// QuitReason formats the literal netsplit QUIT reason: two
// space-separated server names, no colon.
func QuitReason(ourServer, splitServer string) string {
	return fmt.Sprintf("%s %s", ourServer, splitServer)
}

// HandlePeerDisconnect scans the store for every Active user whose home
// server is no longer reachable (the caller must have already removed
// splitServer's subtree from the server tree before calling this), marks
// them NetSplit, and returns the set of affected users so the caller can
// emit QUIT lines to their channels. totalServersBeforeSplit is used only
// to compute the audit severity.
func (m *Manager) HandlePeerDisconnect(now time.Time, splitServer string, totalServersBeforeSplit int) []SplitUser {
	reason := QuitReason(m.localServer, splitServer)

	var affected []SplitUser
	for _, u := range m.store.AllUsers() {
		if u.State != state.Active {
			continue
		}
		if m.store.IsServerReachable(u.HomeServer) {
			continue
		}
		channels, _ := m.store.GetUserChannels(u.Id)
		if err := m.store.UpdateUser(u.Id, func(working *state.User) {
			working.State = state.NetSplit
			working.SplitAt = now
		}); err != nil {
			continue
		}
		affected = append(affected, SplitUser{
			UserID:     u.Id,
			Nick:       u.Nick,
			Channels:   channels,
			QuitReason: reason,
		})
	}

	remaining := m.store.ServerCount()
	sev := severityFor(remaining, totalServersBeforeSplit)
	if m.sink != nil {
		m.sink.Emit(audit.EventNetsplit, m.localServer, splitServer, map[string]any{
			"severity":        string(sev),
			"affected_users":  len(affected),
			"servers_before":  totalServersBeforeSplit,
			"servers_after":   remaining,
		})
	}
	return affected
}

// Sweep transitions every NetSplit user whose grace period has elapsed
// to Removed, purging them from the store. Returns the removed user ids.
func (m *Manager) Sweep(now time.Time) []state.UserId {
	var removed []state.UserId
	for _, u := range m.store.AllUsers() {
		if u.State != state.NetSplit {
			continue
		}
		if now.Sub(u.SplitAt) < m.gracePeriod {
			continue
		}
		if err := m.store.RemoveUser(u.Id); err == nil {
			removed = append(removed, u.Id)
		}
	}
	return removed
}

// ShouldSendDeltaBurst reports whether a peer reconnecting now should
// receive a delta burst (skipping users still in NetSplit) instead of a
// full burst, based on how long ago that peer's last successful burst
// was recorded.
func (m *Manager) ShouldSendDeltaBurst(peer string, now time.Time) bool {
	last, ok := m.lastBurst[peer]
	if !ok {
		return false
	}
	return now.Sub(last) < m.optimization
}

// RecordBurst marks peer's last successful burst time as now. Call after
// a full or delta burst completes (not on disconnect, which abandons the
// in-flight burst and must not call this).
func (m *Manager) RecordBurst(peer string, now time.Time) {
	m.lastBurst[peer] = now
}

// ForgetBurst clears a peer's last-burst record, forcing its next
// reconnect to receive a full burst. Call when a burst is abandoned
// mid-stream by a disconnect.
func (m *Manager) ForgetBurst(peer string) {
	delete(m.lastBurst, peer)
}

// CollisionOutcome describes how a nick collision on burst was resolved.
type CollisionOutcome int

const (
	// NoCollision means no local user holds the nick; the caller should
	// install the remote entry with no further arbitration.
	NoCollision CollisionOutcome = iota
	// LocalKilled means the pre-existing local user lost and was killed.
	LocalKilled
	// RemoteKilled means the incoming burst entry lost; the local user is
	// kept and the remote entry must not be installed.
	RemoteKilled
	// BothKilled means both sides had equal registration timestamps.
	BothKilled
	// Restored means the local user was in NetSplit with a matching
	// identity and has been reactivated rather than treated as a
	// collision.
	Restored
)

// ResolveBurstUser decides what happens when a user-burst entry for nick
// arrives from origin, given the local store's current record of that
// nickname (if any). localExists is false if no local user holds nick.
func (m *Manager) ResolveBurstUser(localExists bool, local *state.User, remoteRegisteredAt time.Time, remoteIdent, remoteHomeServer string) CollisionOutcome {
	if !localExists {
		return NoCollision
	}
	if local.State == state.NetSplit && local.Ident() == remoteIdent && local.HomeServer == remoteHomeServer {
		return Restored
	}
	switch {
	case local.RegisteredAt.Before(remoteRegisteredAt):
		return RemoteKilled
	case local.RegisteredAt.After(remoteRegisteredAt):
		return LocalKilled
	default:
		return BothKilled
	}
}

// Restore reactivates a NetSplit user once its home peer's burst confirms
// the same identity, clearing SplitAt and cancelling the pending sweep
// (sweep naturally no-ops on an Active user, so no separate cancellation
// bookkeeping is needed).
func (m *Manager) Restore(id state.UserId) error {
	return m.store.UpdateUser(id, func(working *state.User) {
		working.State = state.Active
		working.SplitAt = time.Time{}
	})
}

// ResolveChannelConflict applies the older-creation-timestamp-wins,
// full-mode-set-replacement policy: if remote is older, its modes
// replace local's wholesale; member prefix modes present only on the
// younger side for shared members are dropped, and the older side's
// prefix modes are kept verbatim. It returns the channel that should be
// stored after reconciliation.
func ResolveChannelConflict(local, remote *state.Channel) *state.Channel {
	var older, younger *state.Channel
	if local.CreatedAt.Before(remote.CreatedAt) {
		older, younger = local, remote
	} else {
		older, younger = remote, local
	}

	merged := older.CloneForConflictResolution()
	for nick, youngerModes := range younger.Members {
		if _, sharedMember := merged.Members[nick]; !sharedMember {
			merged.Members[nick] = youngerModes
		}
		// If the member exists on both sides, the older side's prefix
		// modes (already in merged) are kept verbatim; younger-only modes
		// for that shared member are dropped.
	}
	return merged
}
