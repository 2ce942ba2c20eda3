// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the server and its
// plugins.
package ns // import "mellium.im/xmppd/internal/ns"

// List of commonly used namespaces.
const (
	Bind     = "urn:ietf:params:xml:ns:xmpp-bind"
	Client   = "jabber:client"
	SASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	Server   = "jabber:server"
	Session  = "urn:ietf:params:xml:ns:xmpp-session"
	Stanza   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	Stream   = "http://etherx.jabber.org/streams"
	Streams  = "urn:ietf:params:xml:ns:xmpp-streams"
	XML      = "http://www.w3.org/XML/1998/namespace"
)

// Namespaces of the protocol extensions served by the plugins.
const (
	DiscoInfo       = "http://jabber.org/protocol/disco#info"
	DiscoItems      = "http://jabber.org/protocol/disco#items"
	Form            = "jabber:x:data"
	Ping            = "urn:xmpp:ping"
	PubSub          = "http://jabber.org/protocol/pubsub"
	PubSubErrors    = "http://jabber.org/protocol/pubsub#errors"
	PubSubEvent     = "http://jabber.org/protocol/pubsub#event"
	PubSubOwner     = "http://jabber.org/protocol/pubsub#owner"
	Register        = "jabber:iq:register"
	RegisterFeature = "http://jabber.org/features/iq-register"
	Roster          = "jabber:iq:roster"
	RPC             = "jabber:iq:rpc"
	Upload          = "urn:xmpp:http:upload:0"
)

// IsContent reports whether space is one of the stream content namespaces.
func IsContent(space string) bool {
	return space == Client || space == Server
}
