// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmppd/internal/decl"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// Header contains metadata extracted from (or written to) a stream start
// element.
type Header struct {
	To      jid.JID
	From    jid.JID
	ID      string
	Version Version
	Lang    string

	// NS is the content namespace, either jabber:client or jabber:server.
	NS string
}

// FromStart parses a stream header from the start element of a stream.
// It only returns stream errors.
func FromStart(s xml.StartElement) (Header, error) {
	switch {
	case s.Name.Local != "stream":
		return Header{}, BadFormat
	case s.Name.Space != ns.Stream:
		return Header{}, InvalidNamespace
	}

	h := Header{Version: DefaultVersion}
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := h.To.UnmarshalXMLAttr(attr); err != nil {
				return h, ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := h.From.UnmarshalXMLAttr(attr); err != nil {
				return h, ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			h.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			if err := (&h.Version).UnmarshalXMLAttr(attr); err != nil {
				return h, BadFormat
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if !ns.IsContent(attr.Value) {
				return h, InvalidNamespace
			}
			h.NS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != ns.Stream {
				return h, InvalidNamespace
			}
		case xml.Name{Space: ns.XML, Local: "lang"}:
			h.Lang = attr.Value
		}
	}
	if h.NS == "" {
		return h, InvalidNamespace
	}
	if h.Version.Major > DefaultVersion.Major {
		return h, UnsupportedVersion
	}
	return h, nil
}

// Open writes an XML declaration followed by a stream start element.
// The stream header is printed instead of encoded because encoding/xml does
// not support the prefixed stream:stream element or unclosed elements.
func Open(w io.Writer, h Header) error {
	b := bufio.NewWriter(w)
	fmt.Fprint(b, decl.XMLHeader, `<stream:stream`)
	if h.ID != "" {
		writeAttr(b, "id", h.ID)
	}
	if !h.To.IsZero() {
		writeAttr(b, "to", h.To.String())
	}
	if !h.From.IsZero() {
		writeAttr(b, "from", h.From.String())
	}
	version := h.Version
	if version == (Version{}) {
		version = DefaultVersion
	}
	writeAttr(b, "version", version.String())
	if h.Lang != "" {
		writeAttr(b, "xml:lang", h.Lang)
	}
	content := h.NS
	if content == "" {
		content = ns.Client
	}
	fmt.Fprintf(b, ` xmlns='%s' xmlns:stream='%s'>`, content, ns.Stream)
	return b.Flush()
}

// Close writes the closing stream element.
func Close(w io.Writer) error {
	_, err := io.WriteString(w, `</stream:stream>`)
	return err
}

func writeAttr(b *bufio.Writer, name, value string) {
	fmt.Fprintf(b, ` %s='`, name)
	// bufio.Writer errors are sticky and reported by Flush.
	_ = xml.EscapeText(b, []byte(value))
	b.WriteByte('\'')
}
