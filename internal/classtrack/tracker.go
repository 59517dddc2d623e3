// Package classtrack enforces per-connection-class caps: a total cap
// shared by every connection in the class, and per-IP / per-host caps
// that bound how much of that total any single address can consume.
package classtrack

import (
	"fmt"
	"sync"
)

// Limits bundles the three counter caps a class enforces during accept.
// It holds no queue-size or ping/timeout values; Tracker consults only
// these caps.
type Limits struct {
	MaxClients int
	MaxPerIP   int
	MaxPerHost int
}

// LimitExceededError names which cap rejected an accept attempt.
type LimitExceededError struct {
	Class string
	Limit string // "max_clients", "max_per_ip", or "max_per_host"
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("connection class %q: %s exceeded", e.Class, e.Limit)
}

// Tracker maintains three counter maps per configured class: total
// connections, connections per IP, and connections per host.
type Tracker struct {
	mu     sync.Mutex
	limits map[string]Limits

	total   map[string]int
	perIP   map[string]map[string]int
	perHost map[string]map[string]int
}

// New returns a Tracker configured with the given named classes.
func New(limits map[string]Limits) *Tracker {
	t := &Tracker{
		limits:  limits,
		total:   make(map[string]int),
		perIP:   make(map[string]map[string]int),
		perHost: make(map[string]map[string]int),
	}
	for class := range limits {
		t.perIP[class] = make(map[string]int)
		t.perHost[class] = make(map[string]int)
	}
	return t
}

// CanAccept reports whether a new connection in class from ip/host would
// stay within every configured cap, without reserving a slot.
func (t *Tracker) CanAccept(class, ip, host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limits[class]
	if !ok {
		return nil
	}
	if lim.MaxClients > 0 && t.total[class] >= lim.MaxClients {
		return &LimitExceededError{Class: class, Limit: "max_clients"}
	}
	if lim.MaxPerIP > 0 && t.perIP[class][ip] >= lim.MaxPerIP {
		return &LimitExceededError{Class: class, Limit: "max_per_ip"}
	}
	if lim.MaxPerHost > 0 && t.perHost[class][host] >= lim.MaxPerHost {
		return &LimitExceededError{Class: class, Limit: "max_per_host"}
	}
	return nil
}

// Register reserves a slot for a newly accepted connection. Callers must
// have just checked CanAccept; Register does not itself enforce caps.
func (t *Tracker) Register(class, ip, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total[class]++
	if t.perIP[class] == nil {
		t.perIP[class] = make(map[string]int)
	}
	if t.perHost[class] == nil {
		t.perHost[class] = make(map[string]int)
	}
	t.perIP[class][ip]++
	t.perHost[class][host]++
}

// Unregister releases a slot on disconnect. Counters saturate at zero on
// underflow rather than going negative.
func (t *Tracker) Unregister(class, ip, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total[class] = saturatingDec(t.total[class])
	if m := t.perIP[class]; m != nil {
		m[ip] = saturatingDec(m[ip])
		if m[ip] == 0 {
			delete(m, ip)
		}
	}
	if m := t.perHost[class]; m != nil {
		m[host] = saturatingDec(m[host])
		if m[host] == 0 {
			delete(m, host)
		}
	}
}

func saturatingDec(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}

// TotalInClass returns the current connection count for a class.
func (t *Tracker) TotalInClass(class string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total[class]
}
