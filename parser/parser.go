// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package parser reads an XMPP stream and frames it into stream open events
// and complete top level elements.
//
// The outer <stream:stream> element is treated as a prologue that stays open
// for the lifetime of the stream. The transport the parser reads from is a
// slot that may be swapped with Rebind after a TLS upgrade; bytes that were
// buffered but not yet parsed are kept.
package parser // import "mellium.im/xmppd/parser"

import (
	"bufio"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"sync"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/decl"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stream"
	"mellium.im/xmppd/transport"
)

// Kind is the kind of an Event.
type Kind uint8

// A list of event kinds.
const (
	// StreamOpen is emitted when the peer opens (or reopens) the stream.
	StreamOpen Kind = iota

	// Stanza is emitted for every complete child of the stream, including
	// negotiation elements and stanzas.
	Stanza

	// StreamClose is emitted when the peer closes the stream.
	StreamClose
)

// Event is a unit of the stream as seen by a session.
type Event struct {
	Kind    Kind
	Header  stream.Header
	Element *element.Element
}

// Parser frames a stream read from a transport.
type Parser struct {
	mu sync.Mutex
	t  *transport.Transport

	br     *bufio.Reader
	tokens xml.TokenReader
	opened bool
	sent   bool
	closed bool
}

// New returns a parser reading from t.
func New(t *transport.Transport) *Parser {
	p := &Parser{t: t}
	p.br = bufio.NewReader(slot{p: p})
	p.Reset()
	return p
}

type slot struct {
	p *Parser
}

func (s slot) Read(b []byte) (int, error) {
	return s.p.Transport().Read(b)
}

// Transport returns the transport currently in the slot.
func (p *Parser) Transport() *transport.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t
}

// Rebind replaces the transport in the slot.
// Bytes already buffered are not discarded; use Buffered to hand them to the
// new transport first if they belong to it.
func (p *Parser) Rebind(t *transport.Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t = t
}

// Buffered removes and returns any bytes that were read from the transport but
// not yet parsed.
func (p *Parser) Buffered() []byte {
	n := p.br.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := p.br.Peek(n)
	out := make([]byte, n)
	copy(out, b)
	_, _ = p.br.Discard(n)
	return out
}

// Reset prepares the parser for a stream restart. The next event will be a
// StreamOpen event once the peer sends a new stream header.
func (p *Parser) Reset() {
	d := xml.NewDecoder(p.br)
	p.tokens = decl.Skip(d)
	p.opened = false
	p.mu.Lock()
	p.sent = false
	p.mu.Unlock()
}

// Open writes our stream header to the peer.
func (p *Parser) Open(h stream.Header) error {
	p.mu.Lock()
	t := p.t
	p.sent = true
	p.mu.Unlock()
	return stream.Open(t, h)
}

// Next blocks until the next event is available.
//
// Errors are either a stream.Error that should be sent to the peer, or an
// error from the transport (including io.EOF).
// After the peer closes the stream Next writes the closing tag in reply and
// returns a StreamClose event.
func (p *Parser) Next() (Event, error) {
	for {
		tok, err := p.tokens.Token()
		if tok == nil {
			if err == nil {
				continue
			}
			return Event{}, p.convertErr(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "stream" {
				if p.opened {
					return Event{}, stream.NotWellFormed.WithText("nested stream")
				}
				h, err := stream.FromStart(t)
				if err != nil {
					return Event{}, err
				}
				p.opened = true
				return Event{Kind: StreamOpen, Header: h}, nil
			}
			if !p.opened {
				return Event{}, stream.NotWellFormed.WithText("expected stream header")
			}
			el, err := element.Decode(p.tokens, t)
			if err != nil {
				return Event{}, p.convertErr(err)
			}
			return Event{Kind: Stanza, Element: el}, nil
		case xml.EndElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "stream" {
				p.opened = false
				if err := p.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
					return Event{}, err
				}
				return Event{Kind: StreamClose}, nil
			}
			return Event{}, stream.NotWellFormed
		case xml.CharData:
			// Whitespace between stanzas.
		case xml.ProcInst, xml.Comment, xml.Directive:
			if decl.IsDecl(t) {
				continue
			}
			return Event{}, stream.RestrictedXML
		}
	}
}

// Close writes the closing stream tag to the peer once.
func (p *Parser) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	t := p.t
	p.mu.Unlock()
	return stream.Close(t)
}

// Fail sends a stream error followed by the closing stream tag.
// If we have not sent a stream header yet, local is sent first since stream
// errors are only valid inside a stream.
func (p *Parser) Fail(se stream.Error, local stream.Header) error {
	p.mu.Lock()
	sent, closed := p.sent, p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}
	if !sent {
		if err := p.Open(local); err != nil {
			return err
		}
	}
	if err := p.Transport().SendElement(se); err != nil {
		return err
	}
	return p.Close()
}

func (p *Parser) convertErr(err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return stream.ConnectionTimeout
	case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return io.EOF
	case errors.Is(err, element.ErrUnexpectedEnd):
		return io.EOF
	}
	var syntaxErr *xml.SyntaxError
	if errors.As(err, &syntaxErr) {
		if syntaxErr.Msg == "unexpected EOF" {
			return io.EOF
		}
		return stream.NotWellFormed
	}
	return err
}
