package state

import (
	"sync"
	"time"
)

// WhowasEntry is one retained snapshot of a departed user, queryable by
// WHOWAS after the user has been removed from the live tables.
type WhowasEntry struct {
	Nick       string
	Username   string
	Host       string
	RealName   string
	HomeServer string
	RemovedAt  time.Time
}

// whowasRing retains a bounded, TTL'd history of departed users, keyed by
// case-folded nickname. Oldest entries are dropped both by the size cap
// (on insert) and by the retention sweep (periodic).
type whowasRing struct {
	mu        sync.Mutex
	max       int
	retention time.Duration
	order     []string // case-folded nicks in insertion order, oldest first
	byNick    map[string][]WhowasEntry
}

func newWhowasRing(max int, retention time.Duration) *whowasRing {
	return &whowasRing{
		max:       max,
		retention: retention,
		byNick:    make(map[string][]WhowasEntry),
	}
}

func (r *whowasRing) record(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folded := CaseFold(u.Nick)
	entry := WhowasEntry{
		Nick:       u.Nick,
		Username:   u.Username,
		Host:       u.Host,
		RealName:   u.RealName,
		HomeServer: u.HomeServer,
		RemovedAt:  time.Now(),
	}
	r.byNick[folded] = append([]WhowasEntry{entry}, r.byNick[folded]...)
	r.order = append(r.order, folded)

	for r.totalEntriesLocked() > r.max && len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		if entries := r.byNick[oldest]; len(entries) > 1 {
			r.byNick[oldest] = entries[:len(entries)-1]
		} else {
			delete(r.byNick, oldest)
		}
	}
}

func (r *whowasRing) totalEntriesLocked() int {
	n := 0
	for _, entries := range r.byNick {
		n += len(entries)
	}
	return n
}

func (r *whowasRing) lookup(foldedNick string) []WhowasEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byNick[foldedNick]
	out := make([]WhowasEntry, len(entries))
	copy(out, entries)
	return out
}

// sweep drops entries older than the retention window.
func (r *whowasRing) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.retention)
	for nick, entries := range r.byNick {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.RemovedAt.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.byNick, nick)
		} else {
			r.byNick[nick] = kept
		}
	}

	keptOrder := r.order[:0:0]
	for _, nick := range r.order {
		if _, ok := r.byNick[nick]; ok {
			keptOrder = append(keptOrder, nick)
		}
	}
	r.order = keptOrder
}
