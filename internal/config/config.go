// Package config holds the immutable, read-only configuration struct the
// rest of the daemon is built from, plus the reload mechanism described
// in spec §6/§7: a file-watching Watcher that invokes a reload callback
// and keeps the previous Config on any parse/validation failure.
package config

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ircd/internal/classtrack"
	"ircd/internal/netsplit"
	"ircd/internal/throttle"
)

// Identity is the server's own name/description/version, sent in the
// welcome burst and peer SERVER handshake.
type Identity struct {
	Name        string
	Description string
	Version     string
}

// ListenerKind controls what a Listener accepts.
type ListenerKind int

const (
	ListenerClients ListenerKind = iota
	ListenerPeers
	ListenerBoth
)

// Listener is one configured bind address.
type Listener struct {
	Address string
	Kind    ListenerKind
	TLS     bool
	// WebSocket marks a listener that should be served as an HTTP
	// websocket upgrade endpoint rather than a raw TCP socket.
	WebSocket bool
}

// PeerLink is one configured server-to-server link, either dialed by
// this server (Outgoing true) or accepted from (Outgoing false, in
// which case the incoming SERVER handshake is matched against Name).
type PeerLink struct {
	Name             string
	Host             string
	Port             int
	OutgoingPassword string
	ExpectedPassword string
	Outgoing         bool
	TLS              bool
}

// OperatorFlag is a single privilege an operator record may carry.
type OperatorFlag string

const (
	OperGlobal  OperatorFlag = "global"
	OperLocal   OperatorFlag = "local"
	OperKill    OperatorFlag = "kill"
	OperSquit   OperatorFlag = "squit"
	OperRehash  OperatorFlag = "rehash"
)

// Operator is one /OPER record. PasswordHash is a bcrypt hash; use
// HashOperatorPassword to produce one when building a record by hand.
type Operator struct {
	Name         string
	PasswordHash string
	Hostmask     string
	Flags        []OperatorFlag
}

// HashOperatorPassword bcrypt-hashes a plaintext operator password for
// storage in an Operator record.
func HashOperatorPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("[config] hash operator password: %w", err)
	}
	return string(hash), nil
}

// CheckOperatorPassword reports whether plain matches the Operator's
// stored bcrypt hash.
func (o Operator) CheckOperatorPassword(plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(o.PasswordHash), []byte(plain)) == nil
}

// HasFlag reports whether the operator record carries flag.
func (o Operator) HasFlag(flag OperatorFlag) bool {
	for _, f := range o.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// NetsplitConfig mirrors netsplit.Config plus the operational knobs
// spec §6 lists that the netsplit package itself doesn't need
// (auto-reconnect and operator notification are peerlink/server
// concerns, not netsplit.Manager's).
type NetsplitConfig struct {
	AutoReconnect           bool
	ReconnectBaseDelay      time.Duration
	ReconnectMaxDelay       time.Duration
	GracePeriod             time.Duration
	BurstOptimizationWindow time.Duration
	NotifyOperators         bool
}

// ToManagerConfig projects the subset NetsplitConfig shares with
// netsplit.Config.
func (n NetsplitConfig) ToManagerConfig(localServer string) netsplit.Config {
	return netsplit.Config{
		LocalServer:        localServer,
		GracePeriod:        n.GracePeriod,
		OptimizationWindow: n.BurstOptimizationWindow,
	}
}

// Config is the complete, immutable configuration surface described in
// spec §6. A real deployment parses this from TOML/YAML upstream of
// this module; tests construct it directly, and Watcher obtains each
// new one from a caller-supplied Loader.
type Config struct {
	Identity Identity

	Listeners []Listener

	// ConnectionClasses maps a class name (e.g. "default", "trusted")
	// to its limits, consumed directly by classtrack.New.
	ConnectionClasses map[string]classtrack.Limits

	PeerLinks  []PeerLink
	Operators  []Operator
	SuperServers []string // u-lined server names

	Throttle throttle.Config
	Netsplit NetsplitConfig

	ModulesEnabled []string
	MOTDPath       string

	// AdminAddr is the bind address for the admin/introspection HTTP API.
	// Empty disables it.
	AdminAddr string
}

// Validate performs the minimal sanity checks a malformed config file
// would fail: per spec §7, a config error at load means refuse to
// start, and at reload means refuse to apply and keep the previous one.
func (c *Config) Validate() error {
	if c.Identity.Name == "" {
		return fmt.Errorf("[config] server identity name is required")
	}
	if len(c.Listeners) == 0 {
		return fmt.Errorf("[config] at least one listener is required")
	}
	for _, l := range c.PeerLinks {
		if l.Name == "" {
			return fmt.Errorf("[config] peer link with empty name")
		}
		if l.Outgoing && l.Host == "" {
			return fmt.Errorf("[config] outgoing peer link %q has no host", l.Name)
		}
	}
	for _, o := range c.Operators {
		if o.Name == "" || o.PasswordHash == "" {
			return fmt.Errorf("[config] operator record with empty name or password hash")
		}
	}
	return nil
}
