// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// A list of stream errors defined in RFC 6120 §4.9.3.
var (
	BadFormat              = Error{Err: "bad-format"}
	BadNamespacePrefix     = Error{Err: "bad-namespace-prefix"}
	Conflict               = Error{Err: "conflict"}
	ConnectionTimeout      = Error{Err: "connection-timeout"}
	HostGone               = Error{Err: "host-gone"}
	HostUnknown            = Error{Err: "host-unknown"}
	ImproperAddressing     = Error{Err: "improper-addressing"}
	InternalServerError    = Error{Err: "internal-server-error"}
	InvalidFrom            = Error{Err: "invalid-from"}
	InvalidNamespace       = Error{Err: "invalid-namespace"}
	InvalidXML             = Error{Err: "invalid-xml"}
	NotAuthorized          = Error{Err: "not-authorized"}
	NotWellFormed          = Error{Err: "not-well-formed"}
	PolicyViolation        = Error{Err: "policy-violation"}
	RemoteConnectionFailed = Error{Err: "remote-connection-failed"}
	Reset                  = Error{Err: "reset"}
	ResourceConstraint     = Error{Err: "resource-constraint"}
	RestrictedXML          = Error{Err: "restricted-xml"}
	SystemShutdown         = Error{Err: "system-shutdown"}
	UndefinedCondition     = Error{Err: "undefined-condition"}
	UnsupportedEncoding    = Error{Err: "unsupported-encoding"}
	UnsupportedFeature     = Error{Err: "unsupported-feature"}
	UnsupportedStanzaType  = Error{Err: "unsupported-stanza-type"}
	UnsupportedVersion     = Error{Err: "unsupported-version"}
)

// A Error represents an unrecoverable stream-level error that may include
// descriptive text.
type Error struct {
	Err  string
	Text string
}

// Error satisfies the builtin error interface and returns the name of the
// StreamError. For instance, given the error:
//
//	<stream:error>
//	  <restricted-xml xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>
//	</stream:error>
//
// Error() would return "restricted-xml".
func (s Error) Error() string {
	return s.Err
}

// WithText returns a copy of the error carrying a human readable description.
func (s Error) WithText(text string) Error {
	s.Text = text
	return s
}

// Element returns the error as an element tree.
func (s Error) Element() *element.Element {
	el := element.New(ns.Stream, "error")
	el.Append(element.New(ns.Streams, s.Err))
	if s.Text != "" {
		el.Append(element.New(ns.Streams, "text").AppendText(s.Text))
	}
	return el
}

// TokenReader returns a new xmlstream.TokenReader that returns an encoding of
// the error.
func (s Error) TokenReader() xml.TokenReader {
	return s.Element().TokenReader()
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (s Error) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, s.TokenReader())
}

// FromElement converts a received <stream:error/> element into an Error.
func FromElement(el *element.Element) Error {
	var se Error
	for _, c := range el.Children() {
		switch {
		case c.Name.Local == "text":
			se.Text = c.Text()
		case se.Err == "":
			se.Err = c.Name.Local
		}
	}
	return se
}
