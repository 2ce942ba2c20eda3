// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package items contains the items reported in response to disco#items
// queries.
//
// These were separated out into a separate package to prevent import loops.
package items // import "mellium.im/xmppd/disco/items"

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// Item represents a discovered item.
type Item struct {
	JID  jid.JID
	Name string
	Node string
}

// Element returns the <item/> element for i.
func (i Item) Element() *element.Element {
	return element.New(ns.DiscoItems, "item",
		"jid", i.JID.String(),
		"node", i.Node,
		"name", i.Name,
	)
}

// TokenReader implements xmlstream.Marshaler.
func (i Item) TokenReader() xml.TokenReader {
	return i.Element().TokenReader()
}

// WriteXML implements xmlstream.WriterTo.
func (i Item) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, i.TokenReader())
}

// Iter is the interface implemented by entities that respond to service
// discovery requests for items.
type Iter interface {
	ForItems(node string, f func(Item) error) error
}
