// Package throttle implements per-IP staged connection-flood backoff.
// The staged-delay algorithm (stage advances on each violation within the
// window, delay grows by a configured factor, capped at a configured
// number of stages) is a specific sequencing contract that no general
// rate-limiting library expresses, so it is hand-rolled here rather than
// built on golang.org/x/time/rate (used elsewhere in this daemon for the
// unrelated per-connection command-flood limiter, which only needs a
// plain token bucket).
package throttle

import (
	"sync"
	"time"
)

// Config holds the throttling parameters.
type Config struct {
	Enabled         bool
	PerIPCap        int
	Window          time.Duration
	InitialDelay    time.Duration
	MaxStages       int
	StageFactor     float64
	CleanupInterval time.Duration
}

type ipState struct {
	timestamps   []time.Time
	stage        int
	throttleUntil time.Time
}

// Throttler tracks per-IP connection-attempt history and staged backoff.
type Throttler struct {
	mu    sync.Mutex
	cfg   Config
	byIP  map[string]*ipState
}

// New returns a Throttler configured per cfg.
func New(cfg Config) *Throttler {
	return &Throttler{cfg: cfg, byIP: make(map[string]*ipState)}
}

// Attempt records a connection attempt from ip and reports whether it is
// accepted. When rejected, delay is the remaining wait before the next
// attempt from this IP may succeed.
func (t *Throttler) Attempt(ip string, now time.Time) (accepted bool, delay time.Duration) {
	if !t.cfg.Enabled {
		return true, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.byIP[ip]
	if !ok {
		st = &ipState{}
		t.byIP[ip] = st
	}

	// 1. Drop timestamps older than the window.
	cutoff := now.Add(-t.cfg.Window)
	kept := st.timestamps[:0:0]
	for _, ts := range st.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.timestamps = kept

	// 2. Already throttled?
	if now.Before(st.throttleUntil) {
		return false, st.throttleUntil.Sub(now)
	}

	// 3. Append this attempt; check whether it pushes the window over cap.
	st.timestamps = append(st.timestamps, now)
	if len(st.timestamps) > t.cfg.PerIPCap {
		if st.stage < t.cfg.MaxStages {
			st.stage++
		}
		d := stageDelay(t.cfg.InitialDelay, t.cfg.StageFactor, st.stage)
		st.throttleUntil = now.Add(d)
		return false, d
	}

	// 4. Accept.
	return true, 0
}

func stageDelay(initial time.Duration, factor float64, stage int) time.Duration {
	d := float64(initial)
	for i := 1; i < stage; i++ {
		d *= factor
	}
	return time.Duration(d)
}

// Sweep evicts IPs with an empty window that are not currently throttled.
// Call periodically (every cfg.CleanupInterval).
func (t *Throttler) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, st := range t.byIP {
		if len(st.timestamps) == 0 && now.After(st.throttleUntil) {
			delete(t.byIP, ip)
		}
	}
}

// Stage returns the current backoff stage for ip (0 if never throttled or
// unknown).
func (t *Throttler) Stage(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byIP[ip]; ok {
		return st.stage
	}
	return 0
}
