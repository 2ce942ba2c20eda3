// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpptest

import (
	"bufio"
	"encoding/xml"
	"net"
	"testing"
	"time"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/decl"
	"mellium.im/xmppd/internal/ns"
)

// Peer is the remote side of a connection under test.
// It writes raw XML and reads back whole elements.
type Peer struct {
	t    testing.TB
	conn net.Conn
	br   *bufio.Reader
	d    xml.TokenReader
}

// NewPeer wraps conn, typically one end of a net.Pipe.
func NewPeer(t testing.TB, conn net.Conn) *Peer {
	p := &Peer{t: t, conn: conn, br: bufio.NewReader(conn)}
	p.Reset()
	return p
}

// Conn returns the underlying connection.
func (p *Peer) Conn() net.Conn {
	return p.conn
}

// Rebind swaps the connection, for example after a TLS handshake.
func (p *Peer) Rebind(conn net.Conn) {
	p.conn = conn
	p.br = bufio.NewReader(conn)
	p.Reset()
}

// Reset discards the decoder state so that a new stream header can be read.
func (p *Peer) Reset() {
	p.d = decl.Skip(xml.NewDecoder(p.br))
}

// Send writes s to the connection and fails the test on error.
func (p *Peer) Send(s string) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := p.conn.Write([]byte(s)); err != nil {
		p.t.Fatalf("error writing %q: %v", s, err)
	}
}

// Header reads the stream header sent by the server.
func (p *Peer) Header() xml.StartElement {
	p.t.Helper()
	for {
		tok := p.token()
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Space != ns.Stream || start.Name.Local != "stream" {
				p.t.Fatalf("expected stream header, got %v", start.Name)
			}
			return start
		}
	}
}

// Next reads the next complete element sent by the server.
// It fails the test if the stream is closed instead.
func (p *Peer) Next() *element.Element {
	p.t.Helper()
	for {
		switch tok := p.token().(type) {
		case xml.StartElement:
			el, err := element.Decode(p.d, tok)
			if err != nil {
				p.t.Fatalf("error decoding element: %v", err)
			}
			return el
		case xml.EndElement:
			p.t.Fatalf("unexpected end of stream %v", tok.Name)
		}
	}
}

// Closed reads the closing stream tag and fails the test if something else is
// read first.
func (p *Peer) Closed() {
	p.t.Helper()
	for {
		switch tok := p.token().(type) {
		case xml.StartElement:
			p.t.Fatalf("expected end of stream, got %v", tok.Name)
		case xml.EndElement:
			return
		}
	}
}

func (p *Peer) token() xml.Token {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	tok, err := p.d.Token()
	if err != nil {
		p.t.Fatalf("error reading from server: %v", err)
	}
	return tok
}
