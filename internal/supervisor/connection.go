// Package supervisor owns the per-connection state machine described for
// the connection supervisor: one goroutine group per accepted socket,
// reading into a RecvQueue, dispatching parsed lines, and draining a
// SendQueue back out, with ping/timeout and command-rate enforcement
// layered on top.
package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ircd/internal/buffer"
	"ircd/internal/classtrack"
	"ircd/internal/dispatch"
	"ircd/internal/module"
	"ircd/internal/numeric"
	"ircd/internal/state"
	"ircd/internal/wire"
)

// Socket is the minimal transport surface a Connection needs; tcpSocket
// and wsSocket in listener.go are the two concrete implementations. It
// is exported so callers outside this package can supply the NewConn
// factory TCPListener and WebSocketListener require.
type Socket interface {
	io.ReadWriteCloser
	RemoteAddr() string
}

// Config bounds a connection's resource usage and timing.
type Config struct {
	PingFrequency     time.Duration
	PingTimeout       time.Duration
	SendQueueMaxBytes int
	RecvQueueMaxBytes int
	CommandRate       rate.Limit
	CommandBurst      int
}

// Hooks let the owning server react to connection lifecycle events
// without Connection importing the server package (which owns the
// dispatcher, store, and class tracker already passed in here).
type Hooks struct {
	OnClose func(c *Connection, reason string)
}

// Connection is one accepted socket's full supervisory state.
type Connection struct {
	ID       state.ConnectionId
	Class    string
	RemoteIP string
	Host     string

	UserID   string
	IsPeer   bool
	PeerName string

	sock    Socket
	recv    *buffer.RecvQueue
	send    *buffer.SendQueue
	timing  *buffer.ConnectionTiming
	limiter *rate.Limiter

	phase      dispatch.Phase
	phaseMu    sync.Mutex
	dispatcher *dispatch.Dispatcher
	classes    *classtrack.Tracker

	localServer string
	cfg         Config
	hooks       Hooks
	log         *slog.Logger

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps sock as a supervised connection. class/remoteIP are used for
// class-tracker bookkeeping on close; the caller is expected to have
// already called classtrack.Tracker.Register before constructing this,
// since acceptance (not construction) is the class/throttle checkpoint.
func New(sock Socket, class, remoteIP, localServer string, cfg Config, dispatcher *dispatch.Dispatcher, classes *classtrack.Tracker, hooks Hooks, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	return &Connection{
		ID:          state.NewConnectionId(),
		Class:       class,
		RemoteIP:    remoteIP,
		sock:        sock,
		recv:        buffer.NewRecvQueue(cfg.RecvQueueMaxBytes),
		send:        buffer.NewSendQueue(cfg.SendQueueMaxBytes),
		timing:      buffer.NewConnectionTiming(cfg.PingFrequency, cfg.PingTimeout, now),
		limiter:     rate.NewLimiter(cfg.CommandRate, cfg.CommandBurst),
		phase:       dispatch.PreRegistration,
		dispatcher:  dispatcher,
		classes:     classes,
		localServer: localServer,
		cfg:         cfg,
		hooks:       hooks,
		log:         log,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Phase returns the connection's current registration phase.
func (c *Connection) Phase() dispatch.Phase {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	return c.phase
}

// SetPhase transitions the connection's registration phase, called by
// the core handler's AdvancePhase hook once NICK+USER or SERVER/PASS
// completes.
func (c *Connection) SetPhase(phase dispatch.Phase) {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	c.phase = phase
}

// Write implements broadcast.Sink: lines are pushed onto the bounded
// send queue and the write loop is woken to flush them.
func (c *Connection) Write(lines []string) {
	for _, l := range lines {
		if !c.send.Push(l) {
			c.log.Warn("supervisor: send queue overflow, dropping line", "connection", c.ID.String())
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the connection until it closes: a read goroutine, a write
// goroutine, and a ping/timeout ticker, all cooperating through done.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.readLoop() }()
	go func() { defer wg.Done(); c.writeLoop() }()
	go c.pingLoop()
	wg.Wait()
}

func (c *Connection) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			c.Close("Connection reset")
			return
		}
		c.recv.Feed(buf[:n])
		for _, line := range c.recv.ExtractMessages() {
			now := time.Now()
			c.timing.RecordActivity(now)
			msg, perr := wire.Parse(line)
			if perr != nil {
				continue
			}
			c.handleInbound(msg)
		}
	}
}

func (c *Connection) handleInbound(msg *wire.Message) {
	if !c.limiter.Allow() {
		c.Write([]string{fmt.Sprintf(":%s %s %s :Flooding", c.localServer, numeric.ErrUnknownCommand, msg.Command)})
		return
	}

	ctx := module.Context{ConnectionID: c.ID.String(), UserID: c.UserID, PeerServer: c.PeerName}
	outcome := c.dispatcher.Dispatch(ctx, c.Phase(), msg)
	if outcome.Result == module.Rejected {
		c.Write([]string{fmt.Sprintf(":%s %s %s :%s", c.localServer, outcome.Reason, msg.Command, outcome.Reason)})
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			c.drainAndClose()
			return
		case <-c.wake:
			c.flush()
		}
	}
}

func (c *Connection) flush() {
	for {
		line, ok := c.send.Pop()
		if !ok {
			return
		}
		if _, err := io.WriteString(c.sock, line+"\r\n"); err != nil {
			c.Close("write error")
			return
		}
	}
}

// drainAndClose flushes whatever remains in the send queue within a
// bounded deadline before the socket is actually dropped, so a client's
// final ERROR line or QUIT acknowledgement has a chance to arrive.
func (c *Connection) drainAndClose() {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, ok := c.send.Pop()
		if !ok {
			break
		}
		if _, err := io.WriteString(c.sock, line+"\r\n"); err != nil {
			break
		}
	}
	c.sock.Close()
}

func (c *Connection) pingLoop() {
	interval := c.cfg.PingFrequency / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			if c.timing.IsTimedOut(now) {
				c.Close("Ping timeout")
				return
			}
			if c.timing.ShouldSendPing(now) {
				c.timing.RecordPingSent(now)
				c.Write([]string{fmt.Sprintf("PING :%s", c.localServer)})
			}
		}
	}
}

// RecordPong is called by the core handler's OnPong hook.
func (c *Connection) RecordPong() {
	c.timing.RecordPong(time.Now())
}

// Close begins connection teardown: class tracker unregister and the
// owning hook's cleanup run exactly once, regardless of which goroutine
// (reader, writer, or ping ticker) observed the failure first.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.classes.Unregister(c.Class, c.RemoteIP, c.Host)
		close(c.done)
		if c.hooks.OnClose != nil {
			c.hooks.OnClose(c, reason)
		}
	})
}
