// Package peerlink implements the server-to-server link: handshake,
// burst exchange, message propagation, SQUIT, and auto-reconnect.
package peerlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"
)

// Session is a pair of byte streams to a linked peer: one for the
// handshake and ongoing control/propagation traffic, one dedicated to
// burst data, so a large burst never head-of-line-blocks a PING or QUIT
// that needs to cross the link during netsplit recovery.
type Session interface {
	Control() io.ReadWriteCloser
	Burst() io.ReadWriteCloser
	Close() error
}

// Dialer opens a Session to a peer address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// streamConn adapts a single net.Conn (or any io.ReadWriteCloser) into a
// Session by using the same stream for both roles. This is the TCP
// fallback: a plain TCP connection has no independent substreams, so
// burst traffic and control traffic share one pipe and the
// head-of-line-blocking the quic transport avoids can still occur here.
type streamConn struct {
	rw io.ReadWriteCloser
}

func (s *streamConn) Control() io.ReadWriteCloser { return s.rw }
func (s *streamConn) Burst() io.ReadWriteCloser   { return s.rw }
func (s *streamConn) Close() error                { return s.rw.Close() }

// TCPDialer dials a plain or TLS-wrapped TCP connection.
type TCPDialer struct {
	TLSConfig *tls.Config // nil for a cleartext peer link
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (Session, error) {
	var dialer net.Dialer
	if d.TLSConfig != nil {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: d.TLSConfig}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("peerlink: tls dial %s: %w", addr, err)
		}
		return &streamConn{rw: conn}, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerlink: dial %s: %w", addr, err)
	}
	return &streamConn{rw: conn}, nil
}

// quicStreamPair bundles the two streams opened over one quic.Connection
// so Control() and Burst() traffic travel independently.
type quicStreamPair struct {
	conn    quic.Connection
	control quic.Stream
	burst   quic.Stream
}

func (q *quicStreamPair) Control() io.ReadWriteCloser { return q.control }
func (q *quicStreamPair) Burst() io.ReadWriteCloser   { return q.burst }
func (q *quicStreamPair) Close() error                { return q.conn.CloseWithError(0, "link closed") }

// QUICDialer dials a peer link over QUIC, opening one stream for control
// traffic and one for burst traffic on the same connection.
type QUICDialer struct {
	TLSConfig *tls.Config
	Config    *quic.Config
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Session, error) {
	conn, err := quic.DialAddr(ctx, addr, d.TLSConfig, d.Config)
	if err != nil {
		return nil, fmt.Errorf("peerlink: quic dial %s: %w", addr, err)
	}
	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "control stream failed")
		return nil, fmt.Errorf("peerlink: open control stream: %w", err)
	}
	burst, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "burst stream failed")
		return nil, fmt.Errorf("peerlink: open burst stream: %w", err)
	}
	return &quicStreamPair{conn: conn, control: control, burst: burst}, nil
}
