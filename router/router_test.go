// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/outbound"
	"mellium.im/xmppd/plugin"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/stream"
	"mellium.im/xmppd/transport"
)

const (
	wait = 2 * time.Second
	tick = 10 * time.Millisecond
)

type recordConn struct {
	net.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordConn) Close() error { return nil }

// brokenConn accepts a fixed number of writes and fails every write after.
type brokenConn struct {
	recordConn
	left int
}

func (c *brokenConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left == 0 {
		return 0, errors.New("connection reset")
	}
	c.left--
	return c.buf.Write(p)
}

// Stanzas decodes everything written to the connection so far.
func (c *recordConn) Stanzas(t *testing.T) []*element.Element {
	t.Helper()
	c.mu.Lock()
	s := c.buf.String()
	c.mu.Unlock()
	root, err := element.Parse("<root xmlns='jabber:client'>" + s + "</root>")
	require.NoError(t, err)
	return root.Children()
}

type env struct {
	store  *storage.Store
	reg    *registry.Registry
	queue  *outbound.Queue
	router *router.Router

	mu     sync.Mutex
	dialed []string
}

func newEnv(t *testing.T, persist bool) *env {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, local := range []string{"alice", "bob"} {
		require.NoError(t, store.CreateCredential(ctx, local, "x"))
	}

	e := &env{store: store, reg: registry.New(zap.NewNop())}
	e.queue = outbound.New(e.reg, func(_ context.Context, host string) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.dialed = append(e.dialed, host)
		return nil
	}, zap.NewNop())
	qctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.queue.Run(qctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	e.router = router.New(router.Config{
		Host:     jid.MustParse("localhost"),
		Services: []string{"pubsub.localhost"},
		Store:    store,
		Registry: e.reg,
		Queue:    e.queue,
		Persist:  persist,
	})
	return e
}

// binding registers a client stream that has bound a resource but is not
// ready yet.
func (e *env) binding(t *testing.T, full string, conn net.Conn) {
	t.Helper()
	e.reg.Register(full, registry.ClientInbound, transport.New(conn, 0))
	require.NoError(t, e.reg.BindJID(full, jid.MustParse(full)))
}

// client registers a bound client stream. If presence is not empty it is
// recorded as the current presence of the stream.
func (e *env) client(t *testing.T, full, presence string) *recordConn {
	t.Helper()
	conn := &recordConn{}
	e.binding(t, full, conn)
	require.NoError(t, e.reg.MarkReady(full))
	if presence != "" {
		el := element.MustParse(presence)
		require.NoError(t, e.reg.SetPresence(full, el, stanza.Priority(el)))
	}
	// Keep session start times distinct.
	time.Sleep(2 * time.Millisecond)
	return conn
}

func TestDirectMessage(t *testing.T) {
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")
	bob := e.client(t, "bob@localhost/laptop", "")

	msg := element.MustParse(`<message xmlns='jabber:client' from='mallory@localhost' to='bob@localhost/laptop' id='1'><body>hi</body></message>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", msg))

	got := bob.Stanzas(t)
	require.Len(t, got, 1)
	require.Equal(t, "alice@localhost/phone", got[0].Get("from"))
	require.Equal(t, "hi", got[0].ChildText("jabber:client", "body"))
}

func TestBarePriority(t *testing.T) {
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")
	low := e.client(t, "bob@localhost/a", `<presence xmlns='jabber:client'><priority>1</priority></presence>`)
	first := e.client(t, "bob@localhost/b", `<presence xmlns='jabber:client'><priority>5</priority></presence>`)
	newest := e.client(t, "bob@localhost/c", `<presence xmlns='jabber:client'><priority>5</priority></presence>`)
	negative := e.client(t, "bob@localhost/d", `<presence xmlns='jabber:client'><priority>-1</priority></presence>`)

	msg := element.MustParse(`<message xmlns='jabber:client' to='bob@localhost' id='1'/>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", msg))

	require.Len(t, newest.Stanzas(t), 1)
	require.Empty(t, low.Stanzas(t))
	require.Empty(t, first.Stanzas(t))
	require.Empty(t, negative.Stanzas(t))
}

func TestBareWithoutPresence(t *testing.T) {
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")
	older := e.client(t, "bob@localhost/a", "")
	newer := e.client(t, "bob@localhost/b", "")

	msg := element.MustParse(`<message xmlns='jabber:client' to='bob@localhost' id='1'/>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", msg))
	require.Empty(t, older.Stanzas(t))
	require.Len(t, newer.Stanzas(t), 1)
}

func TestOfflineStorage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")

	for i := 1; i <= 2; i++ {
		msg := element.MustParse(fmt.Sprintf(`<message xmlns='jabber:client' to='bob@localhost/gone' id='%d'/>`, i))
		require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", msg))
	}

	bob := e.client(t, "bob@localhost/laptop", "")
	require.NoError(t, e.router.Bound(ctx, "bob@localhost/laptop"))
	got := bob.Stanzas(t)
	require.Len(t, got, 2)
	require.Equal(t, "1", got[0].Get("id"))
	require.Equal(t, "2", got[1].Get("id"))

	msgs, err := e.store.Offline(ctx, "bob@localhost")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestNotReadyResourceSkipped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")
	bob := &recordConn{}
	e.binding(t, "bob@localhost/laptop", bob)

	for _, to := range []string{"bob@localhost", "bob@localhost/laptop"} {
		msg := element.MustParse(fmt.Sprintf(`<message xmlns='jabber:client' to='%s' id='%s'/>`, to, to))
		require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", msg))
	}
	require.Empty(t, bob.Stanzas(t), "a stream that is not ready must not receive stanzas")
	msgs, err := e.store.Offline(ctx, "bob@localhost")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, e.router.Bound(ctx, "bob@localhost/laptop"))
	got := bob.Stanzas(t)
	require.Len(t, got, 2)
	require.Equal(t, "bob@localhost", got[0].Get("id"))
	require.Equal(t, "bob@localhost/laptop", got[1].Get("id"))
	rec, ok := e.reg.Get("bob@localhost/laptop")
	require.True(t, ok)
	require.True(t, rec.Ready)

	msg := element.MustParse(`<message xmlns='jabber:client' to='bob@localhost' id='live'/>`)
	require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", msg))
	got = bob.Stanzas(t)
	require.Len(t, got, 3)
	require.Equal(t, "live", got[2].Get("id"))
}

func TestOfflineWriteFails(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")
	for i := 1; i <= 3; i++ {
		msg := element.MustParse(fmt.Sprintf(`<message xmlns='jabber:client' to='bob@localhost' id='%d'/>`, i))
		require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", msg))
	}

	broken := &brokenConn{left: 1}
	e.binding(t, "bob@localhost/laptop", broken)
	require.Error(t, e.router.Bound(ctx, "bob@localhost/laptop"))
	require.Len(t, broken.Stanzas(t), 1)
	rec, _ := e.reg.Get("bob@localhost/laptop")
	require.False(t, rec.Ready, "a stream that failed to drain must not become ready")

	msgs, err := e.store.Offline(ctx, "bob@localhost")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "unwritten messages must stay stored")
	_, ok := e.reg.Deregister("bob@localhost/laptop")
	require.True(t, ok)

	bob := e.client(t, "bob@localhost/tablet", "")
	require.NoError(t, e.router.Bound(ctx, "bob@localhost/tablet"))
	got := bob.Stanzas(t)
	require.Len(t, got, 2)
	require.Equal(t, "2", got[0].Get("id"))
	require.Equal(t, "3", got[1].Get("id"))
}

func TestHoldWithoutPersistence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	e.client(t, "alice@localhost/phone", "")

	msg := element.MustParse(`<message xmlns='jabber:client' to='bob@localhost' id='1'/>`)
	require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", msg))
	require.Eventually(t, func() bool { return len(e.queue.Pending("bob@localhost")) == 1 }, wait, tick)

	bob := e.client(t, "bob@localhost/laptop", "")
	require.NoError(t, e.router.Bound(ctx, "bob@localhost/laptop"))
	require.Eventually(t, func() bool { return len(bob.Stanzas(t)) == 1 }, wait, tick)
}

func TestUnknownAccount(t *testing.T) {
	e := newEnv(t, true)
	alice := e.client(t, "alice@localhost/phone", "")

	msg := element.MustParse(`<message xmlns='jabber:client' to='nobody@localhost' id='1'/>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", msg))

	got := alice.Stanzas(t)
	require.Len(t, got, 1)
	require.Equal(t, "error", got[0].Get("type"))
	se, ok := stanza.ErrorFromElement(got[0])
	require.True(t, ok)
	require.Equal(t, stanza.ServiceUnavailable, se.Condition)
}

func TestRemoteMessage(t *testing.T) {
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")

	msg := element.MustParse(`<message xmlns='jabber:client' to='carol@remote.test' id='1'/>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", msg))
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.dialed) == 1 && e.dialed[0] == "remote.test"
	}, wait, tick)
	pending := e.queue.Pending("remote.test")
	require.Len(t, pending, 1)
	require.Contains(t, pending[0], `from="alice@localhost/phone"`)
}

type echo struct{}

func (echo) Namespaces() []string { return []string{"urn:example:echo"} }

func (echo) Feed(_ context.Context, _ jid.JID, iq *element.Element) (*element.Element, error) {
	if iq.Get("type") == stanza.SetIQ {
		return nil, errors.New("disk full")
	}
	return stanza.Result(iq, iq.FirstChild().Copy()), nil
}

var iqTestCases = [...]struct {
	in        string
	condition stanza.Condition
	result    bool
	silent    bool
}{
	0:  {in: `<iq xmlns='jabber:client' type='get'><query xmlns='urn:example:echo'/></iq>`, condition: stanza.BadRequest},
	1:  {in: `<iq xmlns='jabber:client' type='fetch' id='1'><query xmlns='urn:example:echo'/></iq>`, condition: stanza.BadRequest},
	2:  {in: `<iq xmlns='jabber:client' type='get' id='1'><query xmlns='urn:example:unknown'/></iq>`, condition: stanza.FeatureNotImplemented},
	3:  {in: `<iq xmlns='jabber:client' type='result' id='1'><query xmlns='urn:example:unknown'/></iq>`, silent: true},
	4:  {in: `<iq xmlns='jabber:client' type='get' id='1'/>`, condition: stanza.BadRequest},
	5:  {in: `<iq xmlns='jabber:client' type='get' id='1'><query xmlns='urn:example:echo'/></iq>`, result: true},
	6:  {in: `<iq xmlns='jabber:client' type='set' id='1'><query xmlns='urn:example:echo'/></iq>`, condition: stanza.InternalServerError},
	7:  {in: `<iq xmlns='jabber:client' type='set' id='1'><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>`, result: true},
	8:  {in: `<iq xmlns='jabber:client' type='get' id='1' to='bob@localhost/gone'><query xmlns='urn:example:echo'/></iq>`, condition: stanza.ServiceUnavailable},
	9:  {in: `<iq xmlns='jabber:client' type='get' id='1' to='@localhost'><query xmlns='urn:example:echo'/></iq>`, condition: stanza.JIDMalformed},
	10: {in: `<iq xmlns='jabber:client' type='get' id='1' to='pubsub.localhost'><query xmlns='urn:example:echo'/></iq>`, result: true},
	11: {in: `<iq xmlns='jabber:client' type='error' id='1' to='bob@localhost/gone'/>`, silent: true},
	12: {in: `<iq xmlns='jabber:client' type='get' id='1'><query xmlns='urn:example:echo'/><query xmlns='urn:example:unknown'/></iq>`, condition: stanza.BadRequest},
	13: {in: `<iq xmlns='jabber:client' type='set' id='1' to='bob@localhost/gone'><a xmlns='urn:example:echo'/><b xmlns='urn:example:echo'/></iq>`, condition: stanza.BadRequest},
}

func TestIQ(t *testing.T) {
	for i, tc := range iqTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			e := newEnv(t, true)
			e.router.Register(echo{})
			alice := e.client(t, "alice@localhost/phone", "")

			require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", element.MustParse(tc.in)))
			got := alice.Stanzas(t)
			if tc.silent {
				require.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			require.Equal(t, "alice@localhost/phone", got[0].Get("to"))
			if tc.result {
				require.Equal(t, stanza.ResultIQ, got[0].Get("type"))
				return
			}
			require.Equal(t, "error", got[0].Get("type"))
			se, ok := stanza.ErrorFromElement(got[0])
			require.True(t, ok)
			require.Equal(t, tc.condition, se.Condition)
		})
	}
}

func TestFeatureNotImplementedNamesPayload(t *testing.T) {
	e := newEnv(t, true)
	alice := e.client(t, "alice@localhost/phone", "")
	iq := element.MustParse(`<iq xmlns='jabber:client' type='get' id='1'><query xmlns='urn:example:unknown'/></iq>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", iq))
	got := alice.Stanzas(t)
	require.Len(t, got, 1)
	se, ok := stanza.ErrorFromElement(got[0])
	require.True(t, ok)
	require.Equal(t, stanza.FeatureNotImplemented, se.Condition)
	require.Contains(t, se.Text, "urn:example:unknown")
	require.Contains(t, se.Text, "query")
}

func TestIQForwarded(t *testing.T) {
	e := newEnv(t, true)
	e.client(t, "alice@localhost/phone", "")
	bob := e.client(t, "bob@localhost/laptop", "")

	iq := element.MustParse(`<iq xmlns='jabber:client' type='get' id='7' to='bob@localhost/laptop'><query xmlns='urn:example:unknown'/></iq>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", iq))
	got := bob.Stanzas(t)
	require.Len(t, got, 1)
	require.Equal(t, "7", got[0].Get("id"))
	require.Equal(t, "alice@localhost/phone", got[0].Get("from"))
}

type rejecter struct {
	echo
}

func (rejecter) Namespaces() []string { return []string{"urn:example:strict"} }

func (rejecter) Validate(*element.Element) error { return stanza.ErrBadRequest }

func TestIQValidated(t *testing.T) {
	e := newEnv(t, true)
	e.router.Register(rejecter{})
	alice := e.client(t, "alice@localhost/phone", "")
	bob := e.client(t, "bob@localhost/laptop", "")

	iq := element.MustParse(`<iq xmlns='jabber:client' type='set' id='7' to='bob@localhost/laptop'><query xmlns='urn:example:strict'/></iq>`)
	require.NoError(t, e.router.Handle(context.Background(), "alice@localhost/phone", iq))
	require.Empty(t, bob.Stanzas(t))
	got := alice.Stanzas(t)
	require.Len(t, got, 1)
	require.Equal(t, "error", got[0].Get("type"))
}

var _ plugin.Validator = rejecter{}

func TestServerInbound(t *testing.T) {
	e := newEnv(t, true)
	alice := e.client(t, "alice@localhost/phone", "")

	const peer = "192.0.2.1:5269"
	e.reg.Register(peer, registry.ServerInbound, transport.New(&recordConn{}, 0))
	require.NoError(t, e.reg.BindJID(peer, jid.MustParse("remote.test")))
	require.NoError(t, e.reg.MarkReady(peer))

	ctx := context.Background()
	err := e.router.Handle(ctx, peer, element.MustParse(`<message xmlns='jabber:server' from='carol@elsewhere.test' to='alice@localhost/phone'/>`))
	require.Equal(t, stream.InvalidFrom, err)
	err = e.router.Handle(ctx, peer, element.MustParse(`<message xmlns='jabber:server' to='alice@localhost/phone'/>`))
	require.Equal(t, stream.InvalidFrom, err)
	err = e.router.Handle(ctx, peer, element.MustParse(`<message xmlns='jabber:server' from='carol@remote.test' to='dave@third.test'/>`))
	require.Equal(t, stream.ImproperAddressing, err)

	require.NoError(t, e.router.Handle(ctx, peer, element.MustParse(`<message xmlns='jabber:server' from='carol@remote.test' to='alice@localhost/phone' id='1'/>`)))
	got := alice.Stanzas(t)
	require.Len(t, got, 1)
	require.Equal(t, "carol@remote.test", got[0].Get("from"))
}

func TestUnknownElement(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	alice := e.client(t, "alice@localhost/phone", "")
	bob := e.client(t, "bob@localhost/laptop", "")

	require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", element.MustParse(`<foo xmlns='jabber:client' id='x'/>`)))
	got := alice.Stanzas(t)
	require.Len(t, got, 1)
	require.Equal(t, "error", got[0].Get("type"))
	require.Equal(t, "x", got[0].Get("id"))
	se, ok := stanza.ErrorFromElement(got[0])
	require.True(t, ok)
	require.Equal(t, stanza.BadRequest, se.Condition)

	// The stream keeps working.
	msg := element.MustParse(`<message xmlns='jabber:client' to='bob@localhost/laptop' id='1'/>`)
	require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", msg))
	require.Len(t, bob.Stanzas(t), 1)
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	require.NoError(t, e.store.PutRosterItems(ctx, storage.RosterItem{
		Owner: "alice@localhost", Contact: "bob@localhost", Subscription: storage.SubFrom,
	}))
	e.client(t, "alice@localhost/phone", "")
	bob := e.client(t, "bob@localhost/laptop", "")

	require.NoError(t, e.router.Handle(ctx, "alice@localhost/phone", element.MustParse(`<presence xmlns='jabber:client'/>`)))
	require.NoError(t, e.router.Closed(ctx, "alice@localhost/phone"))

	got := bob.Stanzas(t)
	require.Len(t, got, 2)
	require.Equal(t, "", got[0].Get("type"))
	require.Equal(t, stanza.UnavailablePresence, got[1].Get("type"))
	require.Equal(t, "alice@localhost/phone", got[1].Get("from"))

	_, ok := e.reg.Get("alice@localhost/phone")
	require.False(t, ok)
}
