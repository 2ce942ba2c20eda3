// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// IQ types.
const (
	GetIQ    = "get"
	SetIQ    = "set"
	ResultIQ = "result"
	ErrorIQ  = "error"
)

// Presence types. An empty type means available.
const (
	AvailablePresence    = ""
	ErrorPresence        = "error"
	ProbePresence        = "probe"
	SubscribePresence    = "subscribe"
	SubscribedPresence   = "subscribed"
	UnavailablePresence  = "unavailable"
	UnsubscribePresence  = "unsubscribe"
	UnsubscribedPresence = "unsubscribed"
)

// Message types.
const (
	ChatMessage      = "chat"
	ErrorMessage     = "error"
	GroupChatMessage = "groupchat"
	HeadlineMessage  = "headline"
	NormalMessage    = "normal"
)

// Is tests whether name is a valid stanza based on name and space.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == ns.Server)
}

// ValidIQType reports whether t is one of the four IQ types.
func ValidIQType(t string) bool {
	switch t {
	case GetIQ, SetIQ, ResultIQ, ErrorIQ:
		return true
	}
	return false
}

// To parses the to attribute of a stanza.
// A missing attribute results in the zero JID and no error.
func To(st *element.Element) (jid.JID, error) {
	return parseAttr(st, "to")
}

// From parses the from attribute of a stanza.
// A missing attribute results in the zero JID and no error.
func From(st *element.Element) (jid.JID, error) {
	return parseAttr(st, "from")
}

func parseAttr(st *element.Element, name string) (jid.JID, error) {
	v := st.Get(name)
	if v == "" {
		return jid.JID{}, nil
	}
	return jid.Parse(v)
}

// New returns a stanza of the given kind ("iq", "message" or "presence") in
// the client namespace.
func New(kind string, attrs ...string) *element.Element {
	return element.New(ns.Client, kind, attrs...)
}

// Reply returns a new stanza of the same kind as st, with the same id, the
// addresses swapped, and the given type.
func Reply(st *element.Element, typ string, payload ...*element.Element) *element.Element {
	r := element.New(st.Name.Space, st.Name.Local,
		"id", st.Get("id"),
		"type", typ,
		"from", st.Get("to"),
		"to", st.Get("from"),
	)
	return r.Append(payload...)
}

// Result returns an IQ result for iq containing the optional payload.
func Result(iq *element.Element, payload ...*element.Element) *element.Element {
	return Reply(iq, ResultIQ, payload...)
}

// ErrorReply returns an error response for st carrying se.
func ErrorReply(st *element.Element, se Error) *element.Element {
	return Reply(st, "error", se.Element())
}

// Priority returns the value of the <priority/> child of a presence stanza.
// A missing or malformed priority is 0.
func Priority(presence *element.Element) int {
	p, err := strconv.Atoi(presence.ChildText("", "priority"))
	if err != nil || p < -128 || p > 127 {
		return 0
	}
	return p
}
