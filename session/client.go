// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/parser"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

// ClientIn negotiates streams initiated by clients.
type ClientIn struct {
	base
	user jid.JID
}

// NewClientIn returns a handler for the client stream read by p.
// peer is the registry key of the connection.
func NewClientIn(cfg Config, p *parser.Parser, peer string) *ClientIn {
	return &ClientIn{base: newBase(cfg, p, peer)}
}

// Role satisfies the Handler interface.
func (*ClientIn) Role() registry.Role {
	return registry.ClientInbound
}

// JID returns the authenticated address of the client. It is bare until a
// resource is bound.
func (c *ClientIn) JID() jid.JID {
	return c.user
}

// Local satisfies the Handler interface.
func (c *ClientIn) Local() stream.Header {
	return stream.Header{
		From:    c.cfg.Host,
		ID:      c.id,
		Version: stream.DefaultVersion,
		NS:      ns.Client,
	}
}

// Opened satisfies the Handler interface.
func (c *ClientIn) Opened(ctx context.Context, h stream.Header) (Signal, error) {
	if h.NS != ns.Client {
		return ForceClose, stream.InvalidNamespace
	}
	if !h.To.IsZero() && !h.To.Equal(c.cfg.Host) {
		return ForceClose, stream.HostUnknown
	}

	c.id = newID()
	local := c.Local()
	if !c.user.IsZero() {
		local.To = c.user.Bare()
	}
	if err := c.p.Open(local); err != nil {
		return ForceClose, err
	}

	var feats *element.Element
	switch c.stage {
	case Connected:
		c.setStage(Opened)
		feats = features(startTLSFeature())
	case SSL:
		if !c.secure() {
			return ForceClose, stream.PolicyViolation
		}
		c.setStage(SASL)
		feats = features(mechanisms(auth.MechPlain), element.New(ns.RegisterFeature, "register"))
	case Auth:
		c.setStage(Bind)
		feats = features(
			element.New(ns.Bind, "bind"),
			element.New(ns.Session, "session").Append(element.New(ns.Session, "optional")),
		)
	default:
		return ForceClose, stream.PolicyViolation.WithText("unexpected stream restart")
	}
	return Continue, c.send(feats)
}

// Negotiate satisfies the Handler interface.
func (c *ClientIn) Negotiate(ctx context.Context, el *element.Element) (Signal, error) {
	switch c.stage {
	case Opened:
		if el.Is(ns.StartTLS, "starttls") {
			if err := c.send(proceed()); err != nil {
				return ForceClose, err
			}
			c.setStage(SSL)
			return StartTLS, nil
		}
		return ForceClose, stream.PolicyViolation.WithText("STARTTLS is required")
	case SASL:
		switch {
		case el.Is(ns.SASL, "auth"):
			return c.auth(ctx, el)
		case el.Is(ns.SASL, "abort"):
			return Continue, c.send(saslerr.Failure{Condition: saslerr.Aborted}.Element())
		case el.Name.Local == "iq" && el.Child(ns.Register, "query") != nil:
			return Continue, c.register(ctx, el)
		}
		return ForceClose, stream.NotAuthorized
	case Bind:
		if el.Name.Local == "iq" && el.Child(ns.Bind, "bind") != nil {
			return c.bind(ctx, el)
		}
		return ForceClose, stream.NotAuthorized
	}
	return ForceClose, stream.PolicyViolation
}

func (c *ClientIn) auth(ctx context.Context, el *element.Element) (Signal, error) {
	if mech := el.Get("mechanism"); mech != auth.MechPlain {
		return Continue, c.send(saslerr.Failure{Condition: saslerr.InvalidMechanism}.Element())
	}
	payload, err := decodePayload(el)
	if err == nil {
		c.user, err = c.cfg.Auth.Plain(ctx, payload)
	}
	if err != nil {
		var f saslerr.Failure
		if !errors.As(err, &f) {
			return ForceClose, stream.InternalServerError
		}
		c.logger.Info("authentication failed", zap.String("condition", string(f.Condition)))
		c.cfg.Metrics.AuthFailure(c.Role().String())
		return Continue, c.send(f.Element())
	}

	if err := c.cfg.Registry.BindJID(c.peer, c.user); err != nil {
		return ForceClose, err
	}
	if err := c.send(success()); err != nil {
		return ForceClose, err
	}
	c.logger.Info("client authenticated", zap.Stringer("jid", c.user))
	c.setStage(Auth)
	return Reset, nil
}

func (c *ClientIn) register(ctx context.Context, iq *element.Element) error {
	reply, err := c.cfg.Auth.Feed(ctx, jid.JID{}, iq)
	if err != nil {
		var se stanza.Error
		if !errors.As(err, &se) {
			c.logger.Error("registration failed", zap.Error(err))
			se = stanza.ErrInternalServerError
		}
		reply = stanza.ErrorReply(iq, se)
	}
	if reply == nil {
		return nil
	}
	return c.send(reply)
}

func (c *ClientIn) bind(ctx context.Context, iq *element.Element) (Signal, error) {
	if iq.Get("type") != stanza.SetIQ || iq.Get("id") == "" {
		return Continue, c.send(stanza.ErrorReply(iq, stanza.ErrBadRequest))
	}
	resource := iq.Child(ns.Bind, "bind").ChildText(ns.Bind, "resource")
	if resource == "" {
		resource = newID()
	}
	full, err := c.user.WithResource(resource)
	if err != nil {
		return Continue, c.send(stanza.ErrorReply(iq, stanza.ErrBadRequest))
	}
	// A resource already in use is replaced with a generated one.
	if len(c.cfg.Registry.Bound(full)) > 0 {
		full, err = c.user.WithResource(newID())
		if err != nil {
			return ForceClose, err
		}
	}
	if err := c.cfg.Registry.BindJID(c.peer, full); err != nil {
		return ForceClose, err
	}
	c.user = full

	reply := stanza.Result(iq, element.New(ns.Bind, "bind").Append(
		element.New(ns.Bind, "jid").AppendText(full.String()),
	))
	reply.SetAttr("from", "")
	if err := c.send(reply); err != nil {
		return ForceClose, err
	}
	c.logger.Info("resource bound", zap.Stringer("jid", full))
	c.setStage(Ready)
	return Done, nil
}
