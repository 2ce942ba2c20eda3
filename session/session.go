// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package session drives the negotiation of XMPP streams.
//
// A handler exists for each role a stream can have: ClientIn for streams
// initiated by clients, ServerIn for streams initiated by peer servers, and
// ServerOut for streams we initiate to peer servers. Handlers are fed stream
// open events and negotiation elements by the connection loop and answer
// with a Signal telling the loop what to do next.
package session // import "mellium.im/xmppd/session"

import (
	"context"
	"encoding/base64"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/metrics"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/parser"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/stream"
)

// Stage is the negotiation stage of a stream.
type Stage uint8

// A list of stages in the order they are passed.
const (
	Connected Stage = iota
	Opened
	SSL
	SASL
	Auth
	Bind
	Ready
)

func (s Stage) String() string {
	switch s {
	case Connected:
		return "connected"
	case Opened:
		return "opened"
	case SSL:
		return "ssl"
	case SASL:
		return "sasl"
	case Auth:
		return "auth"
	case Bind:
		return "bind"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Signal tells the connection loop what to do after a handler returns.
type Signal uint8

// A list of signals.
const (
	// Continue reading from the stream.
	Continue Signal = iota

	// Reset the parser because the peer will restart the stream.
	Reset

	// Clear the session, the stream was closed cleanly.
	Clear

	// Done means negotiation finished and stanzas may be routed.
	Done

	// ForceClose closes the connection without further negotiation.
	ForceClose

	// StartTLS hands the transport to the TLS upgrade worker.
	StartTLS
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Reset:
		return "reset"
	case Clear:
		return "clear"
	case Done:
		return "done"
	case ForceClose:
		return "force-close"
	case StartTLS:
		return "starttls"
	}
	return "unknown"
}

// Handler negotiates a stream for one role.
type Handler interface {
	// Stage returns the current negotiation stage.
	Stage() Stage

	// Role returns the role of the stream in the registry.
	Role() registry.Role

	// Opened is called every time the peer opens the stream.
	Opened(ctx context.Context, h stream.Header) (Signal, error)

	// Negotiate is called with every element received before the stream is
	// ready.
	Negotiate(ctx context.Context, el *element.Element) (Signal, error)

	// Local returns the header used to open our side of the stream. It is
	// written before stream errors if we have not opened the stream yet.
	Local() stream.Header
}

// Restarter is implemented by handlers that initiate the stream and have to
// send a new stream header after a restart.
type Restarter interface {
	Restart() error
}

// Config is shared by all handlers of a server.
type Config struct {
	// Host is the domain served by this server.
	Host jid.JID

	Auth     *auth.Authenticator
	Registry *registry.Registry
	Logger   *zap.Logger

	// Metrics counts failed authentication attempts. It may be nil.
	Metrics *metrics.Metrics
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// base holds the state common to all handlers.
type base struct {
	cfg    Config
	p      *parser.Parser
	peer   string
	stage  Stage
	id     string
	logger *zap.Logger
}

func newBase(cfg Config, p *parser.Parser, peer string) base {
	return base{
		cfg:    cfg,
		p:      p,
		peer:   peer,
		logger: cfg.logger().With(zap.String("peer", peer)),
	}
}

// Stage satisfies the Handler interface.
func (b *base) Stage() Stage {
	return b.stage
}

func (b *base) setStage(s Stage) {
	b.logger.Debug("stage change", zap.Stringer("from", b.stage), zap.Stringer("to", s))
	b.stage = s
}

func (b *base) send(el *element.Element) error {
	return b.p.Transport().SendElement(el)
}

func (b *base) secure() bool {
	return b.p.Transport().Secure()
}

// newID returns a random UUID used for stream IDs and generated resources.
func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}

func features(children ...*element.Element) *element.Element {
	return element.New(ns.Stream, "features").Append(children...)
}

func startTLSFeature() *element.Element {
	return element.New(ns.StartTLS, "starttls").Append(element.New(ns.StartTLS, "required"))
}

func mechanisms(names ...string) *element.Element {
	el := element.New(ns.SASL, "mechanisms")
	for _, n := range names {
		el.Append(element.New(ns.SASL, "mechanism").AppendText(n))
	}
	return el
}

func proceed() *element.Element {
	return element.New(ns.StartTLS, "proceed")
}

func success() *element.Element {
	return element.New(ns.SASL, "success")
}

// decodePayload decodes the content of an <auth/> element.
// A single "=" is an empty initial response.
func decodePayload(el *element.Element) ([]byte, error) {
	text := el.Text()
	if text == "" || text == "=" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	return b, nil
}

func encodePayload(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}
