// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// ErrUnexpectedEnd is returned when the token stream ends before the element
// being decoded is closed.
var ErrUnexpectedEnd = errors.New("element: unexpected end of token stream")

// Decode reads tokens from r until the end element matching start is found
// and returns the resulting tree. Namespace declarations are dropped from the
// attribute list since every name is already qualified.
func Decode(r xml.TokenReader, start xml.StartElement) (*Element, error) {
	root := fromStart(start)
	stack := []*Element{root}
	for {
		tok, err := r.Token()
		if tok == nil && err != nil {
			if err == io.EOF {
				return nil, ErrUnexpectedEnd
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := fromStart(t)
			parent := stack[len(stack)-1]
			parent.Nodes = append(parent.Nodes, el)
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return root, nil
			}
		case xml.CharData:
			parent := stack[len(stack)-1]
			parent.Nodes = append(parent.Nodes, Text(string(t)))
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
	}
}

// Parse decodes the first element found in s.
// It is mostly useful for tests and for reading stored stanzas.
func Parse(s string) (*Element, error) {
	d := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil, ErrUnexpectedEnd
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return Decode(d, start)
		}
	}
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Element {
	el, err := Parse(s)
	if err != nil {
		panic("element: Parse(" + s + "): " + err.Error())
	}
	return el
}

func fromStart(start xml.StartElement) *Element {
	el := &Element{Name: start.Name}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		el.Attr = append(el.Attr, a)
	}
	return el
}
