// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"mellium.im/sasl"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/parser"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/stream"
)

// ServerIn negotiates streams initiated by peer servers.
type ServerIn struct {
	base
	from   jid.JID
	remote jid.JID
}

// NewServerIn returns a handler for the server stream read by p.
func NewServerIn(cfg Config, p *parser.Parser, peer string) *ServerIn {
	return &ServerIn{base: newBase(cfg, p, peer)}
}

// Role satisfies the Handler interface.
func (*ServerIn) Role() registry.Role {
	return registry.ServerInbound
}

// Remote returns the authenticated domain of the peer.
func (s *ServerIn) Remote() jid.JID {
	return s.remote
}

// Local satisfies the Handler interface.
func (s *ServerIn) Local() stream.Header {
	return stream.Header{
		From:    s.cfg.Host,
		To:      s.from,
		ID:      s.id,
		Version: stream.DefaultVersion,
		NS:      ns.Server,
	}
}

// Opened satisfies the Handler interface.
func (s *ServerIn) Opened(ctx context.Context, h stream.Header) (Signal, error) {
	if h.NS != ns.Server {
		return ForceClose, stream.InvalidNamespace
	}
	if !h.To.Equal(s.cfg.Host) {
		return ForceClose, stream.HostUnknown
	}
	if !h.From.IsZero() {
		s.from = h.From.Domain()
	}

	s.id = newID()
	if err := s.p.Open(s.Local()); err != nil {
		return ForceClose, err
	}

	switch s.stage {
	case Connected:
		s.setStage(Opened)
		return Continue, s.send(features(startTLSFeature()))
	case SSL:
		if !s.secure() {
			return ForceClose, stream.PolicyViolation
		}
		s.setStage(SASL)
		return Continue, s.send(features(mechanisms(auth.MechExternal)))
	case Auth:
		if err := s.send(features()); err != nil {
			return ForceClose, err
		}
		if err := s.cfg.Registry.MarkReady(s.peer); err != nil {
			return ForceClose, err
		}
		s.setStage(Ready)
		return Done, nil
	}
	return ForceClose, stream.PolicyViolation.WithText("unexpected stream restart")
}

// Negotiate satisfies the Handler interface.
func (s *ServerIn) Negotiate(ctx context.Context, el *element.Element) (Signal, error) {
	switch s.stage {
	case Opened:
		if el.Is(ns.StartTLS, "starttls") {
			if err := s.send(proceed()); err != nil {
				return ForceClose, err
			}
			s.setStage(SSL)
			return StartTLS, nil
		}
		return ForceClose, stream.PolicyViolation.WithText("STARTTLS is required")
	case SASL:
		switch {
		case el.Is(ns.SASL, "auth"):
			return s.auth(el)
		case el.Is(ns.SASL, "abort"):
			return Continue, s.send(saslerr.Failure{Condition: saslerr.Aborted}.Element())
		}
	}
	return ForceClose, stream.NotAuthorized
}

func (s *ServerIn) auth(el *element.Element) (Signal, error) {
	if el.Get("mechanism") != auth.MechExternal {
		return Continue, s.send(saslerr.Failure{Condition: saslerr.InvalidMechanism}.Element())
	}
	payload, err := decodePayload(el)
	if err == nil {
		state, _ := s.p.Transport().ConnectionState()
		s.remote, err = s.cfg.Auth.External(state, s.from, payload)
	}
	if err != nil {
		var f saslerr.Failure
		if !errors.As(err, &f) {
			return ForceClose, stream.InternalServerError
		}
		s.logger.Info("peer authentication failed", zap.Stringer("from", s.from), zap.String("condition", string(f.Condition)))
		s.cfg.Metrics.AuthFailure(s.Role().String())
		return Continue, s.send(f.Element())
	}

	if err := s.cfg.Registry.BindJID(s.peer, s.remote); err != nil {
		return ForceClose, err
	}
	if err := s.send(success()); err != nil {
		return ForceClose, err
	}
	s.logger.Info("peer server authenticated", zap.Stringer("remote", s.remote))
	s.setStage(Auth)
	return Reset, nil
}

// ServerOut negotiates streams we initiate to peer servers.
type ServerOut struct {
	base
	remote   jid.JID
	sentTLS  bool
	sentAuth bool
	onReady  func(remote jid.JID)
}

// NewServerOut returns a handler for a stream to remote.
// onReady is called once the stream may carry stanzas.
func NewServerOut(cfg Config, p *parser.Parser, peer string, remote jid.JID, onReady func(remote jid.JID)) *ServerOut {
	return &ServerOut{
		base:    newBase(cfg, p, peer),
		remote:  remote.Domain(),
		onReady: onReady,
	}
}

// Role satisfies the Handler interface.
func (*ServerOut) Role() registry.Role {
	return registry.ServerOutbound
}

// Remote returns the domain this stream is connected to.
func (s *ServerOut) Remote() jid.JID {
	return s.remote
}

// Local satisfies the Handler interface.
func (s *ServerOut) Local() stream.Header {
	return stream.Header{
		From:    s.cfg.Host,
		To:      s.remote,
		Version: stream.DefaultVersion,
		NS:      ns.Server,
	}
}

// Start opens the stream. It must be called before reading from the
// connection.
func (s *ServerOut) Start() error {
	if err := s.cfg.Registry.BindJID(s.peer, s.remote); err != nil {
		return err
	}
	return s.p.Open(s.Local())
}

// Restart satisfies the Restarter interface.
func (s *ServerOut) Restart() error {
	return s.p.Open(s.Local())
}

// Opened satisfies the Handler interface.
func (s *ServerOut) Opened(ctx context.Context, h stream.Header) (Signal, error) {
	if h.NS != ns.Server {
		return ForceClose, stream.InvalidNamespace
	}
	switch s.stage {
	case Connected:
		s.setStage(Opened)
	case SSL:
		s.setStage(SASL)
	case Auth:
		s.setStage(Bind)
	default:
		return ForceClose, stream.PolicyViolation.WithText("unexpected stream restart")
	}
	return Continue, nil
}

// Negotiate satisfies the Handler interface.
func (s *ServerOut) Negotiate(ctx context.Context, el *element.Element) (Signal, error) {
	if el.Is(ns.Stream, "error") {
		se := stream.FromElement(el)
		s.logger.Warn("peer sent stream error", zap.Stringer("remote", s.remote), zap.Error(se))
		return ForceClose, nil
	}

	switch s.stage {
	case Opened:
		switch {
		case !s.sentTLS && el.Is(ns.Stream, "features"):
			if el.Child(ns.StartTLS, "starttls") == nil {
				return ForceClose, stream.PolicyViolation.WithText("STARTTLS is required")
			}
			s.sentTLS = true
			return Continue, s.send(element.New(ns.StartTLS, "starttls"))
		case s.sentTLS && el.Is(ns.StartTLS, "proceed"):
			s.setStage(SSL)
			return StartTLS, nil
		case s.sentTLS && el.Is(ns.StartTLS, "failure"):
			s.logger.Warn("peer refused STARTTLS", zap.Stringer("remote", s.remote))
			return ForceClose, nil
		}
	case SASL:
		switch {
		case !s.sentAuth && el.Is(ns.Stream, "features"):
			return s.auth(el)
		case s.sentAuth && el.Is(ns.SASL, "success"):
			s.setStage(Auth)
			return Reset, nil
		case s.sentAuth && el.Is(ns.SASL, "failure"):
			f := saslerr.FromElement(el, language.English)
			s.logger.Warn("peer refused authentication", zap.Stringer("remote", s.remote), zap.String("condition", string(f.Condition)))
			return ForceClose, nil
		}
	case Bind:
		if el.Is(ns.Stream, "features") {
			if err := s.cfg.Registry.MarkReady(s.peer); err != nil {
				return ForceClose, err
			}
			s.setStage(Ready)
			s.logger.Info("outbound stream ready", zap.Stringer("remote", s.remote))
			if s.onReady != nil {
				s.onReady(s.remote)
			}
			return Done, nil
		}
	}
	return ForceClose, stream.UnsupportedStanzaType
}

func (s *ServerOut) auth(feats *element.Element) (Signal, error) {
	offered := false
	for _, m := range feats.Child(ns.SASL, "mechanisms").ChildrenNamed(ns.SASL, "mechanism") {
		if m.Text() == auth.MechExternal {
			offered = true
		}
	}
	if !offered {
		return ForceClose, stream.PolicyViolation.WithText("EXTERNAL is required")
	}

	state, _ := s.p.Transport().ConnectionState()
	_, resp, err := sasl.NewClient(auth.TLSAuth(), sasl.TLSState(state)).Step(nil)
	if err != nil {
		return ForceClose, err
	}
	s.sentAuth = true
	return Continue, s.send(element.New(ns.SASL, "auth", "mechanism", auth.MechExternal).AppendText(encodePayload(resp)))
}
