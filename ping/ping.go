// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ping implements the server side of XEP-0199: XMPP Ping.
package ping // import "mellium.im/xmppd/ping"

import (
	"context"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// NS is the XML namespace used by XMPP pings. It is provided as a convenience.
const NS = ns.Ping

// Handler answers pings addressed to the server.
//
// Pings to a full JID never reach the handler; they are routed to the
// resource like any other IQ.
type Handler struct {
	host jid.JID
}

// New returns a ping handler for the server at host.
func New(host jid.JID) Handler {
	return Handler{host: host.Domain()}
}

// Namespaces implements plugin.Plugin.
func (Handler) Namespaces() []string {
	return []string{NS}
}

// Feed implements plugin.Plugin.
func (h Handler) Feed(_ context.Context, from jid.JID, iq *element.Element) (*element.Element, error) {
	switch iq.Get("type") {
	case stanza.GetIQ:
	case stanza.SetIQ:
		return nil, stanza.ErrBadRequest
	default:
		return nil, nil
	}
	if iq.Child(NS, "ping") == nil {
		return nil, stanza.ErrBadRequest
	}
	to, err := stanza.To(iq)
	if err != nil {
		return nil, stanza.ErrJIDMalformed
	}
	// A client may ping its own account.
	if to.IsZero() || to.Equal(h.host) || to.Equal(from.Bare()) {
		return stanza.Result(iq), nil
	}
	return nil, stanza.ErrServiceUnavailable
}

// Request returns a ping addressed to to.
func Request(id string, from, to jid.JID) *element.Element {
	return stanza.New("iq",
		"type", stanza.GetIQ,
		"id", id,
		"from", from.String(),
		"to", to.String(),
	).Append(element.New(NS, "ping"))
}
