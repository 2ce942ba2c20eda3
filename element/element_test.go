// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element_test

import (
	"fmt"
	"testing"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

var clarkTestCases = [...]struct {
	space, local, clark string
}{
	0: {"", "iq", "iq"},
	1: {ns.Client, "iq", "{jabber:client}iq"},
	2: {ns.Ping, "ping", "{urn:xmpp:ping}ping"},
	3: {"http://jabber.org/protocol/disco#info", "query", "{http://jabber.org/protocol/disco#info}query"},
}

func TestClark(t *testing.T) {
	for i, tc := range clarkTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if c := element.Clark(tc.space, tc.local); c != tc.clark {
				t.Errorf("Clark: want=%q, got=%q", tc.clark, c)
			}
			space, local := element.Deglose(tc.clark)
			if space != tc.space || local != tc.local {
				t.Errorf("Deglose: want=(%q, %q), got=(%q, %q)", tc.space, tc.local, space, local)
			}
		})
	}
}

var encodeTestCases = [...]struct {
	in  string
	out string
}{
	0: {
		in:  `<iq xmlns="jabber:client" type="get" id="1"><ping xmlns="urn:xmpp:ping"/></iq>`,
		out: `<iq type="get" id="1"><ping xmlns="urn:xmpp:ping"></ping></iq>`,
	},
	1: {
		in:  `<message xmlns="jabber:server" to="a@b"><body>hi &amp; bye</body></message>`,
		out: `<message to="a@b"><body>hi &amp; bye</body></message>`,
	},
	2: {
		in:  `<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`,
		out: `<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"></success>`,
	},
	3: {
		in:  `<a xmlns="urn:a" xmlns:b="urn:b"><b:c><d/></b:c></a>`,
		out: `<a xmlns="urn:a"><c xmlns="urn:b"><d xmlns="urn:a"></d></c></a>`,
	},
}

func TestEncode(t *testing.T) {
	for i, tc := range encodeTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			el, err := element.Parse(tc.in)
			if err != nil {
				t.Fatalf("error parsing input: %v", err)
			}
			if s := el.String(); s != tc.out {
				t.Errorf("Wrong output:\nwant=%s,\n got=%s", tc.out, s)
			}
		})
	}
}

func TestAccessors(t *testing.T) {
	el := element.MustParse(`<iq xmlns="jabber:client" type="set" id="b1"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><resource>phone</resource></bind></iq>`)
	if !el.Is(ns.Client, "iq") {
		t.Errorf("Expected {jabber:client}iq, got %s", el.Tag())
	}
	if el.Get("type") != "set" || el.Get("id") != "b1" {
		t.Errorf("Wrong attributes %+v", el.Attr)
	}
	if _, ok := el.Lookup("to"); ok {
		t.Errorf("Did not expect a to attribute")
	}
	bind := el.Child(ns.Bind, "bind")
	if bind == nil {
		t.Fatal("Expected bind child")
	}
	if r := bind.ChildText("", "resource"); r != "phone" {
		t.Errorf("Wrong resource: %q", r)
	}
	if el.FirstChild() != bind {
		t.Errorf("FirstChild did not return bind")
	}

	el.SetAttr("type", "result").SetAttr("id", "")
	if el.Get("type") != "result" {
		t.Errorf("SetAttr did not replace type")
	}
	if _, ok := el.Lookup("id"); ok {
		t.Errorf("SetAttr with empty value should remove the attribute")
	}
}

func TestCopyIsDeep(t *testing.T) {
	el := element.MustParse(`<message xmlns="jabber:client"><body>one</body></message>`)
	c := el.Copy()
	c.Child("", "body").Nodes = []element.Node{element.Text("two")}
	c.SetAttr("to", "x@y")
	if el.ChildText("", "body") != "one" {
		t.Errorf("Copy shares children with the original")
	}
	if _, ok := el.Lookup("to"); ok {
		t.Errorf("Copy shares attributes with the original")
	}
}

func TestRequalify(t *testing.T) {
	el := element.MustParse(`<message xmlns="jabber:client"><body>hi</body><x xmlns="urn:x"/></message>`)
	el.Requalify(ns.Client, ns.Server)
	if !el.Is(ns.Server, "message") || !el.Child("", "body").Is(ns.Server, "body") {
		t.Errorf("Element was not moved to jabber:server: %s", el.Tag())
	}
	if !el.Child("", "x").Is("urn:x", "x") {
		t.Errorf("Foreign namespaces should be preserved")
	}
}

func TestRemoveChildren(t *testing.T) {
	el := element.MustParse(`<a xmlns="urn:a"><b/><c/><b/></a>`)
	el.RemoveChildren("", "b")
	if n := len(el.Children()); n != 1 {
		t.Errorf("Expected one child left, got %d", n)
	}
}

func TestParseErrors(t *testing.T) {
	for i, in := range []string{"", "<a>", "<a></b>"} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if _, err := element.Parse(in); err == nil {
				t.Errorf("Expected error parsing %q", in)
			}
		})
	}
}
