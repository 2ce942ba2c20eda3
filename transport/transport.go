// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package transport wraps network connections used by XMPP streams.
//
// A Transport serializes writes so that stanzas routed from many goroutines
// never interleave, extends an idle read deadline every time it is read
// from, and bounds every write by the same idle timeout so that a peer that
// stops reading cannot block its writers forever.
package transport // import "mellium.im/xmppd/transport"

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mellium.im/xmlstream"
)

// ErrClosed is returned when writing to a transport that has been closed.
var ErrClosed = errors.New("transport: use of closed transport")

// Transport is a connection carrying an XML stream.
type Transport struct {
	conn net.Conn
	idle time.Duration

	wmu    sync.Mutex
	closed atomic.Bool
}

// New wraps conn. If idle is non-zero every read and every write must
// complete within idle of starting.
func New(conn net.Conn, idle time.Duration) *Transport {
	return &Transport{conn: conn, idle: idle}
}

// Conn returns the underlying connection.
func (t *Transport) Conn() net.Conn {
	return t.conn
}

// RemoteAddr returns the address of the peer.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Secure reports whether the transport is encrypted with TLS.
func (t *Transport) Secure() bool {
	_, ok := t.conn.(*tls.Conn)
	return ok
}

// ConnectionState returns the TLS state of the transport.
// It reports false if the transport is not encrypted.
func (t *Transport) ConnectionState() (tls.ConnectionState, bool) {
	if tc, ok := t.conn.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Read reads from the connection extending the idle deadline.
func (t *Transport) Read(p []byte) (int, error) {
	if t.idle > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.idle)); err != nil {
			return 0, err
		}
	}
	return t.conn.Read(p)
}

// Write writes p atomically with respect to other writes.
func (t *Transport) Write(p []byte) (int, error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.closed.Load() {
		return 0, ErrClosed
	}
	if t.idle > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.idle)); err != nil {
			return 0, err
		}
	}
	return t.conn.Write(p)
}

// WriteString writes s atomically with respect to other writes.
func (t *Transport) WriteString(s string) error {
	_, err := t.Write([]byte(s))
	return err
}

// Send encodes the tokens read from r and writes them in a single write.
func (t *Transport) Send(r xml.TokenReader) error {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(enc, r); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := t.Write(buf.Bytes())
	return err
}

// SendElement encodes v and writes it.
func (t *Transport) SendElement(v xmlstream.Marshaler) error {
	return t.Send(v.TokenReader())
}

// Close closes the connection. Further writes fail with ErrClosed and a
// write that is blocked on the peer is interrupted.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// Upgrade performs a TLS handshake over the connection and returns a new
// transport using the encrypted connection. Any bytes that were read from the
// plain connection but not yet consumed are given in buffered and are fed to
// the TLS layer before new bytes from the network.
// If client is true the handshake is performed as the initiating entity.
func (t *Transport) Upgrade(ctx context.Context, cfg *tls.Config, client bool, buffered []byte) (*Transport, error) {
	var conn net.Conn = t.conn
	if len(buffered) > 0 {
		conn = &prefixConn{Conn: t.conn, r: io.MultiReader(bytes.NewReader(buffered), t.conn)}
	}
	// The handshake must not be cut short by the idle deadlines of the plain
	// stream.
	if err := t.conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	var tc *tls.Conn
	if client {
		tc = tls.Client(conn, cfg)
	} else {
		tc = tls.Server(conn, cfg)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return New(tc, t.idle), nil
}

type prefixConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
