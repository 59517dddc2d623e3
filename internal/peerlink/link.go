package peerlink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"ircd/internal/wire"
)

// LinkState is a peer link's position in its connection lifecycle.
type LinkState int

const (
	Down LinkState = iota
	Connecting
	Handshaking
	PeerRegistered
	Closing
)

func (s LinkState) String() string {
	switch s {
	case Down:
		return "down"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case PeerRegistered:
		return "peer_registered"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	ErrPasswordMismatch  = errors.New("peerlink: password mismatch")
	ErrUnexpectedPeer    = errors.New("peerlink: remote server name does not match configured peer")
	ErrHandshakeProtocol = errors.New("peerlink: unexpected message during handshake")
	ErrDuplicateServer   = errors.New("peerlink: duplicate server name")
	burstTerminator      = "BURST"
	burstTerminatorParam = "EOB"
)

// Identity is this local daemon's own server descriptor, sent in the
// SERVER line of every outgoing handshake.
type Identity struct {
	Name        string
	Version     string
	Description string
}

// PeerConfig is one configured peer link entry.
type PeerConfig struct {
	Name                  string
	Address               string
	OutgoingPassword      string // sent to the peer in our PASS line
	ExpectedPassword      string // required in the peer's PASS line
	Reconnect             bool
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
}

// writeLine serializes msg and writes it CRLF-terminated.
func writeLine(w io.Writer, msg *wire.Message) error {
	_, err := io.WriteString(w, msg.Serialize())
	return err
}

// readLine reads one CRLF-terminated line and parses it.
func readLine(r *bufio.Reader) (*wire.Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return wire.Parse(strings.TrimRight(line, "\r\n"))
}

// PerformOutgoing runs the outgoing-link handshake described for §4.H:
// send PASS/SERVER, then await the peer's PASS/SERVER and validate both
// the password and the remote server name before returning.
func PerformOutgoing(rw io.ReadWriter, local Identity, peer PeerConfig) error {
	if err := writeLine(rw, wire.New("PASS", peer.OutgoingPassword)); err != nil {
		return fmt.Errorf("peerlink: send PASS: %w", err)
	}
	if err := writeLine(rw, wire.New("SERVER", local.Name, local.Version, local.Description)); err != nil {
		return fmt.Errorf("peerlink: send SERVER: %w", err)
	}
	return awaitHandshakeReply(bufio.NewReader(rw), peer)
}

// PerformIncoming mirrors PerformOutgoing for the accepting side: it
// reads the connecting peer's PASS/SERVER first, validates them against
// the matching configured peer entry, then replies with our own.
func PerformIncoming(rw io.ReadWriter, local Identity, peer PeerConfig) error {
	r := bufio.NewReader(rw)
	if err := awaitHandshakeReply(r, peer); err != nil {
		return err
	}
	if err := writeLine(rw, wire.New("PASS", peer.OutgoingPassword)); err != nil {
		return fmt.Errorf("peerlink: send PASS: %w", err)
	}
	return writeLine(rw, wire.New("SERVER", local.Name, local.Version, local.Description))
}

func awaitHandshakeReply(r *bufio.Reader, peer PeerConfig) error {
	passMsg, err := readLine(r)
	if err != nil {
		return fmt.Errorf("peerlink: read PASS: %w", err)
	}
	if passMsg.Command != "PASS" {
		return ErrHandshakeProtocol
	}
	if passMsg.Get(1) != peer.ExpectedPassword {
		return ErrPasswordMismatch
	}

	serverMsg, err := readLine(r)
	if err != nil {
		return fmt.Errorf("peerlink: read SERVER: %w", err)
	}
	if serverMsg.Command != "SERVER" {
		return ErrHandshakeProtocol
	}
	if serverMsg.Get(1) != peer.Name {
		return ErrUnexpectedPeer
	}
	return nil
}

// SendBurst writes every entry in order, followed by the terminator
// message, so the receiver can apply entries incrementally and knows
// unambiguously when the burst is complete.
func SendBurst(w io.Writer, entries []*wire.Message) error {
	for _, m := range entries {
		if err := writeLine(w, m); err != nil {
			return fmt.Errorf("peerlink: write burst entry: %w", err)
		}
	}
	return writeLine(w, wire.New(burstTerminator, burstTerminatorParam))
}

// ReceiveBurst reads messages from r, invoking handle for each entry,
// until the terminator message is read.
func ReceiveBurst(r *bufio.Reader, handle func(*wire.Message) error) error {
	for {
		msg, err := readLine(r)
		if err != nil {
			return fmt.Errorf("peerlink: read burst: %w", err)
		}
		if msg.Command == burstTerminator && msg.Get(1) == burstTerminatorParam {
			return nil
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}

// IsBurstTerminator reports whether msg is the End-Of-Burst marker, for
// callers that read the control stream generically rather than through
// ReceiveBurst.
func IsBurstTerminator(msg *wire.Message) bool {
	return msg.Command == burstTerminator && msg.Get(1) == burstTerminatorParam
}

// ReconnectState tracks the backoff schedule for one reconnectable peer.
type ReconnectState struct {
	LastAttempt time.Time
	Delay       time.Duration
	Attempts    int
}

// Link is one server-to-server connection, live or pending reconnect.
type Link struct {
	Config     PeerConfig
	State      LinkState
	Session    Session
	Reconnect  ReconnectState
	LinkedAt   time.Time
	LastBurst  time.Time
}

// NewLink returns a Down link for cfg, with its reconnect delay seeded
// from the configured initial value.
func NewLink(cfg PeerConfig) *Link {
	return &Link{
		Config: cfg,
		State:  Down,
		Reconnect: ReconnectState{
			Delay: cfg.InitialReconnectDelay,
		},
	}
}

// MarkLinked transitions the link to PeerRegistered and resets its
// reconnect backoff, called once the handshake completes successfully.
func (l *Link) MarkLinked(now time.Time, sess Session) {
	l.Session = sess
	l.State = PeerRegistered
	l.LinkedAt = now
	l.Reconnect = ReconnectState{Delay: l.Config.InitialReconnectDelay}
}

// MarkDown transitions the link to Down and records the failed attempt,
// doubling the reconnect delay up to the configured maximum.
func (l *Link) MarkDown(now time.Time) {
	if l.Session != nil {
		l.Session.Close()
		l.Session = nil
	}
	l.State = Down
	l.Reconnect.LastAttempt = now
	l.Reconnect.Attempts++
	next := l.Reconnect.Delay * 2
	if l.Config.MaxReconnectDelay > 0 && next > l.Config.MaxReconnectDelay {
		next = l.Config.MaxReconnectDelay
	}
	if next <= 0 {
		next = l.Config.InitialReconnectDelay
	}
	l.Reconnect.Delay = next
}

// DueForReconnect reports whether a reconnect attempt should be made now.
func (l *Link) DueForReconnect(now time.Time) bool {
	if !l.Config.Reconnect || l.State != Down {
		return false
	}
	return now.Sub(l.Reconnect.LastAttempt) >= l.Reconnect.Delay || l.Reconnect.LastAttempt.IsZero()
}
