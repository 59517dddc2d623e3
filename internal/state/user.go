package state

import "time"

// UserLifecycle is a user's position in the netsplit lifecycle.
type UserLifecycle int

const (
	Active UserLifecycle = iota
	NetSplit
	Removed
)

func (s UserLifecycle) String() string {
	switch s {
	case Active:
		return "active"
	case NetSplit:
		return "netsplit"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// User is the authoritative record of a network identity, owned by the
// Store and never mutated outside of Store.UpdateUser.
type User struct {
	Id         UserId
	Nick       string
	Username   string
	Host       string
	RealName   string
	HomeServer string

	Modes      map[byte]struct{}
	Channels   map[string]struct{} // case-folded channel names
	Operator   string              // non-empty names the granted oper flag set
	Away       string              // empty means not away
	Bot        bool

	State   UserLifecycle
	SplitAt time.Time // zero unless State == NetSplit

	RegisteredAt time.Time
	LastActivity time.Time
}

// Ident returns the username@host pair used for the ident-uniqueness
// index.
func (u *User) Ident() string {
	return u.Username + "@" + u.Host
}

// HasMode reports whether m is set on the user.
func (u *User) HasMode(m byte) bool {
	_, ok := u.Modes[m]
	return ok
}

// clone returns a deep-enough copy of u for safe return to callers: the
// map fields are copied so a caller mutating the returned User cannot
// corrupt the Store's copy.
func (u *User) clone() *User {
	cp := *u
	cp.Modes = make(map[byte]struct{}, len(u.Modes))
	for k, v := range u.Modes {
		cp.Modes[k] = v
	}
	cp.Channels = make(map[string]struct{}, len(u.Channels))
	for k, v := range u.Channels {
		cp.Channels[k] = v
	}
	return &cp
}
