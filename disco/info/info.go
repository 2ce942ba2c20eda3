// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package info contains the identities and features reported in response to
// disco#info queries.
//
// These were separated out into a separate package to prevent import loops.
package info // import "mellium.im/xmppd/disco/info"

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// Feature represents a feature supported by an entity on the network.
type Feature struct {
	Var string
}

// Element returns the <feature/> element for f.
func (f Feature) Element() *element.Element {
	return element.New(ns.DiscoInfo, "feature", "var", f.Var)
}

// TokenReader implements xmlstream.Marshaler.
func (f Feature) TokenReader() xml.TokenReader {
	return f.Element().TokenReader()
}

// WriteXML implements xmlstream.WriterTo.
func (f Feature) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, f.TokenReader())
}

// FeatureIter is the interface implemented by entities that report disco
// features.
type FeatureIter interface {
	ForFeatures(node string, f func(Feature) error) error
}

// Identity is the type and category of a node on the network.
// Normally one of the pre-defined Identity types should be used.
type Identity struct {
	Category string
	Type     string
	Name     string
	Lang     string
}

// Element returns the <identity/> element for i.
func (i Identity) Element() *element.Element {
	el := element.New(ns.DiscoInfo, "identity",
		"category", i.Category,
		"type", i.Type,
		"name", i.Name,
	)
	if i.Lang != "" {
		el.Attr = append(el.Attr, xml.Attr{
			Name:  xml.Name{Space: ns.XML, Local: "lang"},
			Value: i.Lang,
		})
	}
	return el
}

// TokenReader implements xmlstream.Marshaler.
func (i Identity) TokenReader() xml.TokenReader {
	return i.Element().TokenReader()
}

// WriteXML implements xmlstream.WriterTo.
func (i Identity) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, i.TokenReader())
}

// IdentityIter is the interface implemented by entities that report disco
// identities.
type IdentityIter interface {
	ForIdentities(node string, f func(Identity) error) error
}
