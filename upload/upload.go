// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package upload

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// NS is the namespace used by this package.
const NS = ns.Upload

// ErrNoRequest is returned by ParseFile when the element is not a slot
// request.
var ErrNoRequest = errors.New("upload: not a slot request")

// File describes a file to be uploaded.
type File struct {
	Name string
	Size uint64
	Type string
}

// ParseFile reads a file from a <request/> element.
func ParseFile(el *element.Element) (File, error) {
	if !el.Is(NS, "request") {
		return File{}, ErrNoRequest
	}
	size, err := strconv.ParseUint(el.Get("size"), 10, 64)
	if err != nil {
		return File{}, err
	}
	return File{
		Name: el.Get("filename"),
		Size: size,
		Type: el.Get("content-type"),
	}, nil
}

// Element returns the <request/> element for f.
func (f File) Element() *element.Element {
	return element.New(NS, "request",
		"filename", f.Name,
		"size", strconv.FormatUint(f.Size, 10),
		"content-type", f.Type,
	)
}

// Slot is a place where a file can be uploaded and later retrieved.
type Slot struct {
	PutURL *url.URL
	GetURL *url.URL

	// Header is the headers that will be set on put requests from the slot.
	// The only valid headers are "Authorization", "Cookie", and "Expires".
	// All other headers will be ignored.
	Header http.Header
}

func allowedHeader(name string) bool {
	return name == "Authorization" || name == "Cookie" || name == "Expires"
}

// Element returns the <slot/> element for s.
func (s Slot) Element() *element.Element {
	put := element.New(NS, "put")
	if s.PutURL != nil {
		put.SetAttr("url", s.PutURL.String())
	}
	names := make([]string, 0, len(s.Header))
	for name := range s.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		canon := http.CanonicalHeaderKey(name)
		if !allowedHeader(canon) {
			continue
		}
		for _, val := range s.Header[name] {
			put.Append(element.New(NS, "header", "name", canon).AppendText(val))
		}
	}
	get := element.New(NS, "get")
	if s.GetURL != nil {
		get.SetAttr("url", s.GetURL.String())
	}
	return element.New(NS, "slot").Append(put, get)
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (s Slot) TokenReader() xml.TokenReader {
	return s.Element().TokenReader()
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (s Slot) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, s.TokenReader())
}
