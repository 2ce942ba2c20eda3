// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/disco"
	"mellium.im/xmppd/disco/info"
	"mellium.im/xmppd/disco/items"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/ping"
	"mellium.im/xmppd/plugin"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

type service struct{}

func (service) JID() jid.JID { return jid.MustParse("pubsub.localhost") }
func (service) Name() string { return "Publish-Subscribe" }

func (service) ForIdentities(node string, f func(info.Identity) error) error {
	if node != "" {
		return f(info.Identity{Category: "pubsub", Type: "leaf"})
	}
	return f(info.Identity{Category: "pubsub", Type: "service"})
}

func (service) ForFeatures(_ string, f func(info.Feature) error) error {
	return f(info.Feature{Var: "http://jabber.org/protocol/pubsub"})
}

func (service) ForItems(node string, f func(items.Item) error) error {
	if node != "" {
		return stanza.ErrItemNotFound
	}
	return f(items.Item{JID: jid.MustParse("pubsub.localhost"), Node: "news"})
}

func newHandler(t *testing.T) *disco.Handler {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateCredential(context.Background(), "alice", "hash"))

	host := jid.MustParse("localhost")
	mux := plugin.New()
	h := disco.New(host, mux, store, service{})
	mux.Register(h)
	mux.Register(ping.New(host))
	return h
}

func query(space, to, node string) *element.Element {
	return stanza.New("iq", "type", "get", "id", "d1", "from", "alice@localhost/phone", "to", to).Append(
		element.New(space, "query", "node", node),
	)
}

type entry struct {
	identities [][2]string
	features   []string
	items      []string
}

func collect(reply *element.Element) entry {
	var e entry
	q := reply.FirstChild()
	for _, c := range q.Children() {
		switch c.Name.Local {
		case "identity":
			e.identities = append(e.identities, [2]string{c.Get("category"), c.Get("type")})
		case "feature":
			e.features = append(e.features, c.Get("var"))
		case "item":
			e.items = append(e.items, c.Get("jid")+"#"+c.Get("node"))
		}
	}
	return e
}

var feedTestCases = [...]struct {
	iq   *element.Element
	want entry
	err  stanza.Condition
}{
	0: {
		iq: query(disco.NSInfo, "localhost", ""),
		want: entry{
			identities: [][2]string{{"server", "im"}},
			features:   []string{disco.NSInfo, disco.NSItems, ping.NS},
		},
	},
	1: {
		iq:   query(disco.NSInfo, "", ""),
		want: entry{identities: [][2]string{{"server", "im"}}, features: []string{disco.NSInfo, disco.NSItems, ping.NS}},
	},
	2: {
		iq:   query(disco.NSItems, "localhost", ""),
		want: entry{items: []string{"pubsub.localhost#"}},
	},
	3: {
		iq: query(disco.NSInfo, "pubsub.localhost", ""),
		want: entry{
			identities: [][2]string{{"pubsub", "service"}},
			features:   []string{"http://jabber.org/protocol/pubsub"},
		},
	},
	4: {
		iq:   query(disco.NSItems, "pubsub.localhost", ""),
		want: entry{items: []string{"pubsub.localhost#news"}},
	},
	5: {
		iq:  query(disco.NSItems, "pubsub.localhost", "missing"),
		err: stanza.ItemNotFound,
	},
	6: {
		iq: query(disco.NSInfo, "alice@localhost", ""),
		want: entry{
			identities: [][2]string{{"account", "registered"}},
			features:   []string{disco.NSInfo, disco.NSItems},
		},
	},
	7: {
		iq:  query(disco.NSInfo, "bob@localhost", ""),
		err: stanza.ItemNotFound,
	},
	8: {
		iq:  query(disco.NSInfo, "localhost", "commands"),
		err: stanza.ItemNotFound,
	},
	9: {
		iq:  query(disco.NSInfo, "example.net", ""),
		err: stanza.ItemNotFound,
	},
	10: {
		iq:  query("http://jabber.org/protocol/disco#publish", "localhost", ""),
		err: stanza.FeatureNotImplemented,
	},
	11: {
		iq:  element.MustParse(`<iq xmlns='jabber:client' type='set' id='d1'><query xmlns='http://jabber.org/protocol/disco#info'/></iq>`),
		err: stanza.BadRequest,
	},
	12: {
		iq: query(disco.NSItems, "alice@localhost", ""),
	},
}

func TestFeed(t *testing.T) {
	h := newHandler(t)
	for i, tc := range feedTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			reply, err := h.Feed(context.Background(), jid.MustParse("alice@localhost/phone"), tc.iq)
			if tc.err != "" {
				se, ok := err.(stanza.Error)
				require.True(t, ok, "expected stanza error, got %v", err)
				require.Equal(t, tc.err, se.Condition)
				return
			}
			require.NoError(t, err)
			require.Equal(t, stanza.ResultIQ, reply.Get("type"))
			require.Equal(t, "alice@localhost/phone", reply.Get("to"))
			require.Equal(t, tc.iq.FirstChild().Name, reply.FirstChild().Name)
			require.Equal(t, tc.want, collect(reply))
		})
	}
}

func TestResultIgnored(t *testing.T) {
	h := newHandler(t)
	reply, err := h.Feed(context.Background(), jid.MustParse("alice@localhost/phone"),
		element.MustParse(`<iq xmlns='jabber:client' type='result' id='d1'/>`))
	require.NoError(t, err)
	require.Nil(t, reply)
}
