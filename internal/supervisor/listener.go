package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ircd/internal/classtrack"
	"ircd/internal/throttle"
)

// tcpSocket adapts a net.Conn to the supervisor's Socket interface.
type tcpSocket struct {
	net.Conn
}

func (s *tcpSocket) RemoteAddr() string { return s.Conn.RemoteAddr().String() }

// wsSocket adapts a gorilla websocket connection to Socket, treating
// each text frame as exactly one IRC line (appending the CRLF the rest
// of the pipeline expects) and each outbound write as one frame.
type wsSocket struct {
	conn    *websocket.Conn
	pending []byte
}

func (s *wsSocket) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.pending = append(data, '\r', '\n')
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsSocket) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsSocket) Close() error       { return s.conn.Close() }
func (s *wsSocket) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// AcceptGate is consulted before a connection is handed a Connection:
// class-limit and throttle checks that can reject at accept time.
type AcceptGate struct {
	Classes   *classtrack.Tracker
	Throttler *throttle.Throttler
	Class     string
}

// Check runs the class and throttle checks for a newly accepted remote
// address, returning a non-nil error (and, if throttled, the delay the
// caller should wait before retrying) when the connection must be
// rejected.
func (g *AcceptGate) Check(now time.Time, ip string) (delay time.Duration, err error) {
	if g.Throttler != nil {
		accepted, d := g.Throttler.Attempt(ip, now)
		if !accepted {
			return d, fmt.Errorf("supervisor: %s is throttled for %s", ip, d)
		}
	}
	if g.Classes != nil {
		if err := g.Classes.CanAccept(g.Class, ip, ip); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// TCPListener accepts plain or TLS-wrapped raw IRC connections.
type TCPListener struct {
	Addr       string
	TLSConfig  *tls.Config // nil for cleartext
	Gate       AcceptGate
	NewConn    func(sock Socket, class, remoteIP string) *Connection
	Log        *slog.Logger
}

// Serve accepts connections until ctx is cancelled or the listener
// errors. Each accepted connection is handed to NewConn and run in its
// own goroutine.
func (l *TCPListener) Serve(ctx context.Context) error {
	var ln net.Listener
	var err error
	if l.TLSConfig != nil {
		ln, err = tls.Listen("tcp", l.Addr, l.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", l.Addr)
	}
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", l.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("supervisor: accept failed", "err", err)
				continue
			}
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if host == "" {
			host = conn.RemoteAddr().String()
		}
		if _, err := l.Gate.Check(time.Now(), host); err != nil {
			log.Debug("supervisor: connection rejected at accept", "remote", host, "err", err)
			conn.Close()
			continue
		}
		l.Gate.Classes.Register(l.Gate.Class, host, host)

		c := l.NewConn(&tcpSocket{Conn: conn}, l.Gate.Class, host)
		go c.Run()
	}
}

// WebSocketListener upgrades HTTP requests on path into framed IRC
// connections, the websocket-framed analog of TCPListener.
type WebSocketListener struct {
	Gate    AcceptGate
	NewConn func(sock Socket, class, remoteIP string) *Connection
	Log     *slog.Logger
}

func (l *WebSocketListener) Handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host == "" {
			host = r.RemoteAddr
		}
		if _, err := l.Gate.Check(time.Now(), host); err != nil {
			log.Debug("supervisor: ws connection rejected at accept", "remote", host, "err", err)
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("supervisor: ws upgrade failed", "remote", host, "err", err)
			return
		}
		l.Gate.Classes.Register(l.Gate.Class, host, host)

		c := l.NewConn(&wsSocket{conn: conn}, l.Gate.Class, host)
		go c.Run()
	}
}
