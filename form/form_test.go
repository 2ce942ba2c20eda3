// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package form_test

import (
	"fmt"
	"testing"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/form"
)

var marshalTestCases = [...]struct {
	form *form.Data
	out  string
}{
	0: {
		form: form.New(),
		out:  `<x xmlns="jabber:x:data" type="form"></x>`,
	},
	1: {
		form: &form.Data{Type: form.TypeResult, Title: "Title", Instructions: "Fill it in"},
		out:  `<x xmlns="jabber:x:data" type="result"><title>Title</title><instructions>Fill it in</instructions></x>`,
	},
	2: {
		form: form.New(form.Field{Var: "username", Type: form.TextSingle, Label: "User", Required: true}),
		out:  `<x xmlns="jabber:x:data" type="form"><field var="username" type="text-single" label="User"><required></required></field></x>`,
	},
	3: {
		form: form.New(form.Field{Var: "notes", Type: form.TextMulti, Values: []string{"one\ntwo\r\n\nthree"}}),
		out:  `<x xmlns="jabber:x:data" type="form"><field var="notes" type="text-multi"><value>one</value><value>two</value><value>three</value></field></x>`,
	},
	4: {
		form: form.New(form.Field{
			Var:     "pubsub#access_model",
			Type:    form.ListSingle,
			Desc:    "Who may subscribe",
			Values:  []string{"open"},
			Options: []form.Option{{Label: "Open", Value: "open"}, {Value: "authorize"}},
		}),
		out: `<x xmlns="jabber:x:data" type="form"><field var="pubsub#access_model" type="list-single"><desc>Who may subscribe</desc><value>open</value><option label="Open"><value>open</value></option><option><value>authorize</value></option></field></x>`,
	},
}

func TestMarshal(t *testing.T) {
	for i, tc := range marshalTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if out := tc.form.Element().String(); out != tc.out {
				t.Errorf("Wrong output:\nwant=%s,\n got=%s", tc.out, out)
			}
		})
	}
}

func TestParse(t *testing.T) {
	el := element.MustParse(`<query xmlns="jabber:iq:register"><x xmlns="jabber:x:data" type="submit">
		<field var="FORM_TYPE" type="hidden"><value>jabber:iq:register</value></field>
		<field var="username"><value>alice</value></field>
		<field var="subscribe" type="boolean"><value>1</value></field>
		<field var="groups" type="list-multi"><value>a</value><value>b</value></field>
	</x></query>`)

	d, ok := form.Find(el)
	if !ok {
		t.Fatal("expected to find a form")
	}
	if d.Type != form.TypeSubmit {
		t.Errorf("wrong type: want=%q, got=%q", form.TypeSubmit, d.Type)
	}
	if ft := d.FormType(); ft != "jabber:iq:register" {
		t.Errorf("wrong FORM_TYPE: %q", ft)
	}
	if u := d.Get("username"); u != "alice" {
		t.Errorf("wrong username: %q", u)
	}
	f, _ := d.Field("username")
	if f.Type != form.TextSingle {
		t.Errorf("fields default to text-single, got %q", f.Type)
	}
	if v, ok := d.GetBool("subscribe"); !v || !ok {
		t.Errorf("expected subscribe to be true, got %t (valid %t)", v, ok)
	}
	if _, ok := d.GetBool("username"); ok {
		t.Error("a text value is not a valid boolean")
	}
	f, _ = d.Field("groups")
	if len(f.Values) != 2 || f.Values[1] != "b" {
		t.Errorf("wrong list values: %v", f.Values)
	}
	if d.Get("missing") != "" {
		t.Error("missing fields should have no value")
	}
}

func TestParseNotForm(t *testing.T) {
	_, err := form.Parse(element.MustParse(`<x xmlns="jabber:x:oob"/>`))
	if err != form.ErrNotForm {
		t.Errorf("wrong error: want=%v, got=%v", form.ErrNotForm, err)
	}
	if _, ok := form.Find(element.MustParse(`<query xmlns="jabber:iq:register"/>`)); ok {
		t.Error("did not expect to find a form")
	}
}

func TestSubmit(t *testing.T) {
	d := form.New(
		form.Field{Var: "intro", Type: form.Fixed, Values: []string{"Hello"}},
		form.Field{Var: "username", Type: form.TextSingle, Label: "User", Required: true},
	)
	if !d.Set("username", "bob") {
		t.Fatal("expected field to be set")
	}
	if d.Set("nope", "x") {
		t.Error("setting an unknown field should fail")
	}
	const want = `<x xmlns="jabber:x:data" type="submit"><field var="username"><value>bob</value></field></x>`
	if out := d.Submit().Element().String(); out != want {
		t.Errorf("Wrong output:\nwant=%s,\n got=%s", want, out)
	}
}
