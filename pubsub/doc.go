// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package pubsub implements a publish–subscribe service.
//
// The service is addressed by its own domain (normally "pubsub." followed by
// the host) and supports leaf nodes with the open and authorize access models.
// Nodes, affiliations and subscriptions are cached in memory and the cache is
// reloaded from storage after every change. Items are only kept in storage.
package pubsub // import "mellium.im/xmppd/pubsub"

import (
	"encoding/xml"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stanza"
)

// Various namespaces used by this package, provided as a convenience.
const (
	NS           = ns.PubSub
	NSErrors     = ns.PubSubErrors
	NSEvent      = ns.PubSubEvent
	NSOwner      = ns.PubSubOwner
	NSNodeConfig = `http://jabber.org/protocol/pubsub#node_config`
	NSSubAuth    = `http://jabber.org/protocol/pubsub#subscribe_authorization`
)

// Condition is an application specific error condition that is sent along
// with a stanza error.
type Condition string

// A list of the pubsub error conditions used by the service.
const (
	InvalidJID          Condition = "invalid-jid"
	InvalidOptions      Condition = "invalid-options"
	InvalidPayload      Condition = "invalid-payload"
	InvalidSubID        Condition = "invalid-subid"
	ItemRequired        Condition = "item-required"
	NodeFull            Condition = "node-full"
	NodeIDRequired      Condition = "nodeid-required"
	NotSubscribed       Condition = "not-subscribed"
	PayloadRequired     Condition = "payload-required"
	PendingSubscription Condition = "pending-subscription"
	SubIDRequired       Condition = "subid-required"
	Unsupported         Condition = "unsupported"
)

// Error returns se with c attached as its application condition.
func (c Condition) Error(se stanza.Error) stanza.Error {
	se.App = xml.Name{Space: NSErrors, Local: string(c)}
	return se
}

var (
	errNodeIDRequired      = NodeIDRequired.Error(stanza.ErrBadRequest)
	errInvalidJID          = InvalidJID.Error(stanza.ErrBadRequest)
	errInvalidOptions      = InvalidOptions.Error(stanza.ErrBadRequest)
	errPendingSubscription = PendingSubscription.Error(stanza.ErrNotAuthorized)
	errSubIDRequired       = SubIDRequired.Error(stanza.ErrBadRequest)
	errInvalidSubID        = InvalidSubID.Error(stanza.ErrNotAcceptable)
	errNotSubscribed       = NotSubscribed.Error(stanza.Error{Type: stanza.Cancel, Condition: stanza.UnexpectedRequest})
	errItemRequired        = ItemRequired.Error(stanza.ErrBadRequest)
	errPayloadRequired     = PayloadRequired.Error(stanza.ErrBadRequest)
	errInvalidPayload      = InvalidPayload.Error(stanza.ErrBadRequest)
)
