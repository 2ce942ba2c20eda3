// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package form implements sending and submitting data forms as defined by
// XEP-0004: Data Forms.
//
// Forms are used by in-band registration and by the pubsub node
// configuration.
package form // import "mellium.im/xmppd/form"

import (
	"encoding/xml"
	"errors"
	"strings"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// ErrNotForm is returned by Parse when the element is not a data form.
var ErrNotForm = errors.New("form: element is not a data form")

// Form types.
const (
	TypeForm   = "form"
	TypeSubmit = "submit"
	TypeCancel = "cancel"
	TypeResult = "result"
)

// Field types.
const (
	Boolean     = "boolean"
	Fixed       = "fixed"
	Hidden      = "hidden"
	JIDMulti    = "jid-multi"
	JIDSingle   = "jid-single"
	ListMulti   = "list-multi"
	ListSingle  = "list-single"
	TextMulti   = "text-multi"
	TextPrivate = "text-private"
	TextSingle  = "text-single"
)

// FormType is the var of the hidden field that names the kind of form.
const FormType = "FORM_TYPE"

// Option is a choice offered by list fields.
type Option struct {
	Label string
	Value string
}

// Field is a single field of a form.
type Field struct {
	Var      string
	Type     string
	Label    string
	Desc     string
	Required bool
	Values   []string
	Options  []Option
}

// Value returns the first value of the field.
func (f Field) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

func (f Field) element() *element.Element {
	el := element.New(ns.Form, "field", "var", f.Var, "type", f.Type, "label", f.Label)
	if f.Desc != "" {
		el.Append(element.New(ns.Form, "desc").AppendText(f.Desc))
	}
	if f.Required {
		el.Append(element.New(ns.Form, "required"))
	}
	values := f.Values
	if f.Type == Fixed || f.Type == TextMulti {
		values = splitLines(values)
	}
	for _, v := range values {
		el.Append(element.New(ns.Form, "value").AppendText(v))
	}
	for _, o := range f.Options {
		el.Append(element.New(ns.Form, "option", "label", o.Label).Append(
			element.New(ns.Form, "value").AppendText(o.Value),
		))
	}
	return el
}

// Multi-line values are sent as one <value/> per line.
func splitLines(values []string) []string {
	var out []string
	for _, v := range values {
		for _, line := range strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == '\r' }) {
			out = append(out, line)
		}
	}
	return out
}

// Data is a data form.
type Data struct {
	Type         string
	Title        string
	Instructions string
	Fields       []Field
}

// New builds a new form of type "form" with the given fields.
func New(fields ...Field) *Data {
	return &Data{Type: TypeForm, Fields: fields}
}

// Element returns the <x xmlns='jabber:x:data'/> element for the form.
func (d *Data) Element() *element.Element {
	typ := d.Type
	if typ == "" {
		typ = TypeForm
	}
	el := element.New(ns.Form, "x", "type", typ)
	if d.Title != "" {
		el.Append(element.New(ns.Form, "title").AppendText(d.Title))
	}
	if d.Instructions != "" {
		el.Append(element.New(ns.Form, "instructions").AppendText(d.Instructions))
	}
	for _, f := range d.Fields {
		el.Append(f.element())
	}
	return el
}

// TokenReader implements xmlstream.Marshaler for Data.
func (d *Data) TokenReader() xml.TokenReader {
	return d.Element().TokenReader()
}

// Field returns the field with the given var.
func (d *Data) Field(v string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Var == v {
			return f, true
		}
	}
	return Field{}, false
}

// Get returns the first value of the field with the given var or the empty
// string.
func (d *Data) Get(v string) string {
	f, _ := d.Field(v)
	return f.Value()
}

// GetBool returns the value of a boolean field.
// The second return value reports whether the field was set to a valid
// boolean.
func (d *Data) GetBool(v string) (value, ok bool) {
	switch d.Get(v) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	}
	return false, false
}

// Set replaces the values of the field with the given var.
// It reports false if there is no such field.
func (d *Data) Set(v string, values ...string) bool {
	for i, f := range d.Fields {
		if f.Var == v {
			d.Fields[i].Values = values
			return true
		}
	}
	return false
}

// FormType returns the value of the hidden FORM_TYPE field.
func (d *Data) FormType() string {
	return d.Get(FormType)
}

// Submit returns a form of type "submit" containing the vars and values of
// d, dropping the presentation elements.
func (d *Data) Submit() *Data {
	s := &Data{Type: TypeSubmit}
	for _, f := range d.Fields {
		if f.Type == Fixed {
			continue
		}
		s.Fields = append(s.Fields, Field{Var: f.Var, Values: append([]string(nil), f.Values...)})
	}
	return s
}

// Parse reads a form from an <x xmlns='jabber:x:data'/> element.
func Parse(el *element.Element) (*Data, error) {
	if el == nil || !el.Is(ns.Form, "x") {
		return nil, ErrNotForm
	}
	d := &Data{
		Type:         el.Get("type"),
		Title:        el.ChildText(ns.Form, "title"),
		Instructions: el.ChildText(ns.Form, "instructions"),
	}
	for _, fel := range el.ChildrenNamed(ns.Form, "field") {
		f := Field{
			Var:      fel.Get("var"),
			Type:     fel.Get("type"),
			Label:    fel.Get("label"),
			Desc:     fel.ChildText(ns.Form, "desc"),
			Required: fel.Child(ns.Form, "required") != nil,
		}
		if f.Type == "" {
			f.Type = TextSingle
		}
		for _, v := range fel.ChildrenNamed(ns.Form, "value") {
			f.Values = append(f.Values, v.Text())
		}
		for _, o := range fel.ChildrenNamed(ns.Form, "option") {
			f.Options = append(f.Options, Option{Label: o.Get("label"), Value: o.ChildText(ns.Form, "value")})
		}
		d.Fields = append(d.Fields, f)
	}
	return d, nil
}

// Find parses the first data form that is a direct child of parent.
// It reports false if there is none.
func Find(parent *element.Element) (*Data, bool) {
	d, err := Parse(parent.Child(ns.Form, "x"))
	return d, err == nil
}
