// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package ping_test

import (
	"context"
	"fmt"
	"testing"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/ping"
	"mellium.im/xmppd/stanza"
)

var alice = jid.MustParse("alice@localhost/phone")

var feedTestCases = [...]struct {
	iq     *element.Element
	result bool
	err    stanza.Condition
}{
	0: {iq: ping.Request("1", alice, jid.JID{}), result: true},
	1: {iq: ping.Request("1", alice, jid.MustParse("localhost")), result: true},
	2: {iq: ping.Request("1", alice, jid.MustParse("alice@localhost")), result: true},
	3: {iq: ping.Request("1", alice, jid.MustParse("bob@localhost")), err: stanza.ServiceUnavailable},
	4: {iq: ping.Request("1", alice, jid.MustParse("example.net")), err: stanza.ServiceUnavailable},
	5: {iq: element.MustParse(`<iq xmlns='jabber:client' type='set' id='1'><ping xmlns='urn:xmpp:ping'/></iq>`), err: stanza.BadRequest},
	6: {iq: element.MustParse(`<iq xmlns='jabber:client' type='get' id='1'><pong xmlns='urn:xmpp:ping'/></iq>`), err: stanza.BadRequest},
	7: {iq: element.MustParse(`<iq xmlns='jabber:client' type='result' id='1'/>`)},
}

func TestFeed(t *testing.T) {
	h := ping.New(jid.MustParse("localhost"))
	if ns := h.Namespaces(); len(ns) != 1 || ns[0] != ping.NS {
		t.Fatalf("wrong namespaces: %v", ns)
	}
	for i, tc := range feedTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			reply, err := h.Feed(context.Background(), alice, tc.iq)
			if tc.err != "" {
				se, ok := err.(stanza.Error)
				if !ok || se.Condition != tc.err {
					t.Fatalf("wrong error: want=%s, got=%v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.result {
				if reply != nil {
					t.Fatalf("expected no reply, got %s", reply)
				}
				return
			}
			if reply.Get("type") != stanza.ResultIQ || reply.Get("id") != "1" {
				t.Errorf("unexpected reply: %s", reply)
			}
			if reply.FirstChild() != nil {
				t.Errorf("result should be empty: %s", reply)
			}
			if reply.Get("to") != alice.String() {
				t.Errorf("reply sent to wrong address: %q", reply.Get("to"))
			}
		})
	}
}

func TestRequest(t *testing.T) {
	iq := ping.Request("abc", alice, jid.MustParse("localhost"))
	if iq.Child(ns.Ping, "ping") == nil {
		t.Errorf("missing ping payload: %s", iq)
	}
	const want = `<iq type="get" id="abc" from="alice@localhost/phone" to="localhost"><ping xmlns="urn:xmpp:ping"></ping></iq>`
	if s := iq.String(); s != want {
		t.Errorf("wrong encoding:\nwant=%s\n got=%s", want, s)
	}
}
