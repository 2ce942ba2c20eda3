// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package rpc checks the shape of XEP-0009: Jabber-RPC requests and responses
// that are exchanged between clients.
//
// The server itself does not expose any methods.
package rpc // import "mellium.im/xmppd/rpc"

import (
	"context"
	"strings"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// NS is the namespace used by this package.
const NS = ns.RPC

// Handler is a plugin for Jabber-RPC.
type Handler struct{}

// Namespaces implements plugin.Plugin.
func (Handler) Namespaces() []string {
	return []string{NS}
}

// Feed implements plugin.Plugin.
// Requests addressed to the server are refused.
func (Handler) Feed(_ context.Context, _ jid.JID, iq *element.Element) (*element.Element, error) {
	switch iq.Get("type") {
	case stanza.GetIQ, stanza.SetIQ:
		return nil, stanza.ErrServiceUnavailable
	}
	return nil, nil
}

// Validate implements plugin.Validator.
// A set must carry a method call with a method name and a result must carry a
// method response.
func (Handler) Validate(iq *element.Element) error {
	q := iq.Child(NS, "query")
	switch iq.Get("type") {
	case stanza.SetIQ:
		call := q.Child("", "methodCall")
		if call == nil || strings.TrimSpace(call.ChildText("", "methodName")) == "" {
			return stanza.ErrBadRequest
		}
	case stanza.ResultIQ:
		if q.Child("", "methodResponse") == nil {
			return stanza.ErrBadRequest
		}
	case stanza.GetIQ:
		return stanza.ErrBadRequest
	}
	return nil
}
