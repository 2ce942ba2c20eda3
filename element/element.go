// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package element implements a small mutable XML element tree used to carry
// stanzas between the stream parser, the router, and the plugins.
//
// Names are fully namespace qualified. When an element is encoded, a namespace
// declaration is only emitted where the namespace differs from the one in
// scope, and the stream content namespaces (jabber:client and jabber:server)
// are never written on a top level stanza so that the stanza inherits the
// namespace of whichever stream it is written to.
package element // import "mellium.im/xmppd/element"

import (
	"bytes"
	"encoding/xml"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/internal/ns"
)

// Clark returns the Clark notation of a qualified name: "{space}local".
// If space is empty the braces are omitted.
func Clark(space, local string) string {
	if space == "" {
		return local
	}
	return "{" + space + "}" + local
}

// Deglose splits a name in Clark notation into its namespace and local name.
func Deglose(name string) (space, local string) {
	if !strings.HasPrefix(name, "{") {
		return "", name
	}
	end := strings.IndexByte(name, '}')
	if end == -1 {
		return "", name
	}
	return name[1:end], name[end+1:]
}

// Node is either a *Element or Text.
type Node interface {
	node()
}

// Text is character data in an element.
type Text string

func (Text) node() {}

// Element is an XML element with its attributes and children.
type Element struct {
	Name  xml.Name
	Attr  []xml.Attr
	Nodes []Node
}

func (*Element) node() {}

// New returns an element with the given name and attributes.
// Attributes are given as alternating local names and values.
func New(space, local string, attrs ...string) *Element {
	el := &Element{Name: xml.Name{Space: space, Local: local}}
	for i := 0; i+1 < len(attrs); i += 2 {
		el.SetAttr(attrs[i], attrs[i+1])
	}
	return el
}

// Tag returns the name of the element in Clark notation.
func (e *Element) Tag() string {
	return Clark(e.Name.Space, e.Name.Local)
}

// Is reports whether the element has the given namespace and local name.
func (e *Element) Is(space, local string) bool {
	return e != nil && e.Name.Space == space && e.Name.Local == local
}

// Get returns the value of the unqualified attribute with the given local
// name or the empty string.
func (e *Element) Get(local string) string {
	v, _ := e.Lookup(local)
	return v
}

// Lookup is like Get but reports whether the attribute was present.
func (e *Element) Lookup(local string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// Lang returns the xml:lang attribute of the element.
func (e *Element) Lang() string {
	for _, a := range e.Attr {
		if a.Name.Space == ns.XML && a.Name.Local == "lang" {
			return a.Value
		}
	}
	return ""
}

// SetAttr sets (or replaces) an unqualified attribute and returns e.
// Setting an empty value removes the attribute.
func (e *Element) SetAttr(local, value string) *Element {
	for i, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			if value == "" {
				e.Attr = append(e.Attr[:i], e.Attr[i+1:]...)
				return e
			}
			e.Attr[i].Value = value
			return e
		}
	}
	if value != "" {
		e.Attr = append(e.Attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
	}
	return e
}

// Append adds child elements and returns e.
func (e *Element) Append(children ...*Element) *Element {
	for _, c := range children {
		if c != nil {
			e.Nodes = append(e.Nodes, c)
		}
	}
	return e
}

// AppendText adds character data and returns e.
func (e *Element) AppendText(s string) *Element {
	if s != "" {
		e.Nodes = append(e.Nodes, Text(s))
	}
	return e
}

// Children returns the child elements of e in document order.
func (e *Element) Children() []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, n := range e.Nodes {
		if c, ok := n.(*Element); ok {
			out = append(out, c)
		}
	}
	return out
}

// FirstChild returns the first child element or nil.
func (e *Element) FirstChild() *Element {
	if e == nil {
		return nil
	}
	for _, n := range e.Nodes {
		if c, ok := n.(*Element); ok {
			return c
		}
	}
	return nil
}

// Child returns the first child element matching the namespace and local
// name. An empty space matches any namespace.
func (e *Element) Child(space, local string) *Element {
	if e == nil {
		return nil
	}
	for _, n := range e.Nodes {
		c, ok := n.(*Element)
		if !ok || c.Name.Local != local {
			continue
		}
		if space == "" || c.Name.Space == space {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all child elements matching the namespace and local
// name. An empty space matches any namespace.
func (e *Element) ChildrenNamed(space, local string) []*Element {
	var out []*Element
	for _, c := range e.Children() {
		if c.Name.Local == local && (space == "" || c.Name.Space == space) {
			out = append(out, c)
		}
	}
	return out
}

// RemoveChildren removes every child element matching the namespace and local
// name.
func (e *Element) RemoveChildren(space, local string) {
	nodes := e.Nodes[:0]
	for _, n := range e.Nodes {
		if c, ok := n.(*Element); ok && c.Name.Local == local && (space == "" || c.Name.Space == space) {
			continue
		}
		nodes = append(nodes, n)
	}
	e.Nodes = nodes
}

// Text returns the concatenated character data of the direct children of e.
func (e *Element) Text() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	for _, n := range e.Nodes {
		if t, ok := n.(Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// ChildText returns the text of the first matching child or the empty string.
func (e *Element) ChildText(space, local string) string {
	return e.Child(space, local).Text()
}

// Copy returns a deep copy of e.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	c := &Element{Name: e.Name}
	if e.Attr != nil {
		c.Attr = make([]xml.Attr, len(e.Attr))
		copy(c.Attr, e.Attr)
	}
	if e.Nodes != nil {
		c.Nodes = make([]Node, 0, len(e.Nodes))
		for _, n := range e.Nodes {
			switch v := n.(type) {
			case *Element:
				c.Nodes = append(c.Nodes, v.Copy())
			case Text:
				c.Nodes = append(c.Nodes, v)
			}
		}
	}
	return c
}

// Requalify replaces the namespace from with to on e and every descendant.
// It is used to move stanzas between jabber:client and jabber:server streams.
func (e *Element) Requalify(from, to string) {
	if e.Name.Space == from {
		e.Name.Space = to
	}
	for _, c := range e.Children() {
		c.Requalify(from, to)
	}
}

// TokenReader returns a token reader that encodes e.
// It satisfies the xmlstream.Marshaler interface.
func (e *Element) TokenReader() xml.TokenReader {
	return e.tokens("")
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (e *Element) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, e.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	_, err := e.WriteXML(enc)
	return err
}

// Bytes returns the encoded element.
func (e *Element) Bytes() []byte {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if _, err := e.WriteXML(enc); err != nil {
		return nil
	}
	if err := enc.Flush(); err != nil {
		return nil
	}
	return buf.Bytes()
}

// String returns the encoded element as a string.
func (e *Element) String() string {
	return string(e.Bytes())
}

func (e *Element) tokens(parent string) xml.TokenReader {
	space := e.Name.Space
	if space == parent || (ns.IsContent(space) && (parent == "" || ns.IsContent(parent))) {
		space = ""
	}
	scope := e.Name.Space
	if scope == "" {
		scope = parent
	}

	var inner []xml.TokenReader
	for _, n := range e.Nodes {
		switch v := n.(type) {
		case *Element:
			inner = append(inner, v.tokens(scope))
		case Text:
			inner = append(inner, xmlstream.Token(xml.CharData(v)))
		}
	}
	var payload xml.TokenReader
	if len(inner) > 0 {
		payload = xmlstream.MultiReader(inner...)
	}

	attrs := make([]xml.Attr, len(e.Attr))
	copy(attrs, e.Attr)
	return xmlstream.Wrap(payload, xml.StartElement{
		Name: xml.Name{Space: space, Local: e.Name.Local},
		Attr: attrs,
	})
}
