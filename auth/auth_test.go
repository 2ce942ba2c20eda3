// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/form"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/internal/xmpptest"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

var cheap = auth.Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 16, SaltLen: 8}

func newAuth(t *testing.T) *auth.Authenticator {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Options{InMemory: true, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return auth.New(s, "localhost", auth.WithParams(cheap), auth.WithLogger(zap.NewNop()))
}

func TestPasswordHash(t *testing.T) {
	hash, err := auth.HashPassword("secret", cheap)
	require.NoError(t, err)

	ok, err := auth.VerifyPassword("secret", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = auth.VerifyPassword("Secret", hash)
	require.NoError(t, err)
	require.False(t, ok)

	other, err := auth.HashPassword("secret", cheap)
	require.NoError(t, err)
	require.NotEqual(t, hash, other, "hashes must be salted")

	for _, bad := range []string{"", "plain", "argon2id$v=19$m=64,t=1,p=1$!!$abc", "argon2id$v=1$m=64,t=1,p=1$YWJj$YWJj"} {
		_, err = auth.VerifyPassword("secret", bad)
		require.ErrorIs(t, err, auth.ErrBadHash, bad)
	}
}

func TestPlain(t *testing.T) {
	ctx := context.Background()
	a := newAuth(t)
	_, err := a.Register(ctx, "Alice", "p")
	require.NoError(t, err)

	for i, tc := range [...]struct {
		payload string
		user    string
		cond    saslerr.Condition
	}{
		0: {payload: "\x00alice\x00p", user: "alice@localhost"},
		1: {payload: "\x00ALICE\x00p", user: "alice@localhost"},
		2: {payload: "alice@localhost\x00alice\x00p", user: "alice@localhost"},
		3: {payload: "\x00alice\x00wrong", cond: saslerr.NotAuthorized},
		4: {payload: "\x00bob\x00p", cond: saslerr.NotAuthorized},
		5: {payload: "bob@localhost\x00alice\x00p", cond: saslerr.NotAuthorized},
		6: {payload: "alice", cond: saslerr.MalformedRequest},
		7: {payload: "", cond: saslerr.MalformedRequest},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			j, err := a.Plain(ctx, []byte(tc.payload))
			if tc.cond != "" {
				var f saslerr.Failure
				require.ErrorAs(t, err, &f)
				require.Equal(t, tc.cond, f.Condition)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.user, j.String())
		})
	}
}

func TestRegisterConflict(t *testing.T) {
	ctx := context.Background()
	a := newAuth(t)
	j, err := a.Register(ctx, "alice", "p")
	require.NoError(t, err)
	require.Equal(t, "alice@localhost", j.String())

	_, err = a.Register(ctx, "alice", "q")
	require.Equal(t, stanza.ErrConflict, err)

	_, err = a.Register(ctx, "", "q")
	require.Equal(t, stanza.ErrNotAcceptable, err)
	_, err = a.Register(ctx, "bob", "")
	require.Equal(t, stanza.ErrNotAcceptable, err)

	_, err = a.Register(ctx, "bad@name", "p")
	var se stanza.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, stanza.JIDMalformed, se.Condition)
}

func TestExternal(t *testing.T) {
	a := newAuth(t)
	_, crt := xmpptest.Certificate("remote.test")
	state := tls.ConnectionState{PeerCertificates: []*x509.Certificate{crt}}

	for i, tc := range [...]struct {
		state   tls.ConnectionState
		from    string
		payload string
		ok      bool
	}{
		0: {state: state, from: "remote.test", ok: true},
		1: {state: state, payload: "remote.test", ok: true},
		2: {state: state, from: "remote.test", payload: "remote.test", ok: true},
		3: {state: state, from: "other.test"},
		4: {state: state, from: "remote.test", payload: "other.test"},
		5: {state: state},
		6: {from: "remote.test"},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			var from jid.JID
			if tc.from != "" {
				from = jid.MustParse(tc.from)
			}
			peer, err := a.External(tc.state, from, []byte(tc.payload))
			if !tc.ok {
				require.Equal(t, saslerr.Failure{Condition: saslerr.NotAuthorized}, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "remote.test", peer.String())
		})
	}
}

func feed(t *testing.T, a *auth.Authenticator, from jid.JID, iq string) (*element.Element, error) {
	t.Helper()
	return a.Feed(context.Background(), from, element.MustParse(iq))
}

func TestRegistrationForm(t *testing.T) {
	a := newAuth(t)
	reply, err := feed(t, a, jid.JID{}, `<iq xmlns="jabber:client" id="g1" type="get"><query xmlns="jabber:iq:register"/></iq>`)
	require.NoError(t, err)
	require.Equal(t, "result", reply.Get("type"))
	require.Equal(t, "g1", reply.Get("id"))
	require.Equal(t, "localhost", reply.Get("from"))

	q := reply.Child(ns.Register, "query")
	require.NotNil(t, q)
	require.NotNil(t, q.Child(ns.Register, "username"))
	require.NotNil(t, q.Child(ns.Register, "password"))
	require.NotEmpty(t, q.ChildText(ns.Register, "instructions"))
	d, ok := form.Find(q)
	require.True(t, ok)
	require.Equal(t, ns.Register, d.FormType())
	_, ok = d.Field("password")
	require.True(t, ok)
}

func TestRegistrationLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newAuth(t)

	reply, err := feed(t, a, jid.JID{}, `<iq xmlns="jabber:client" id="r1" type="set"><query xmlns="jabber:iq:register"><username>alice</username><password>p</password></query></iq>`)
	require.NoError(t, err)
	require.Equal(t, `<iq id="r1" type="result" from="localhost"></iq>`, reply.String())

	_, err = feed(t, a, jid.JID{}, `<iq xmlns="jabber:client" id="r2" type="set"><query xmlns="jabber:iq:register"><username>alice</username><password>x</password></query></iq>`)
	require.Equal(t, stanza.ErrConflict, err)

	// Registration with a submitted data form.
	_, err = feed(t, a, jid.JID{}, `<iq xmlns="jabber:client" id="r3" type="set"><query xmlns="jabber:iq:register"><x xmlns="jabber:x:data" type="submit"><field var="username"><value>bob</value></field><field var="password"><value>b</value></field></x></query></iq>`)
	require.NoError(t, err)
	_, err = a.Plain(ctx, []byte("\x00bob\x00b"))
	require.NoError(t, err)

	alice := jid.MustParse("alice@localhost/phone")
	reply, err = feed(t, a, alice, `<iq xmlns="jabber:client" id="g2" type="get"><query xmlns="jabber:iq:register"/></iq>`)
	require.NoError(t, err)
	require.NotNil(t, reply.Child(ns.Register, "query").Child(ns.Register, "registered"))

	_, err = feed(t, a, alice, `<iq xmlns="jabber:client" id="c1" type="set"><query xmlns="jabber:iq:register"><username>bob</username><password>mine</password></query></iq>`)
	require.Equal(t, stanza.ErrNotAllowed, err)

	_, err = feed(t, a, alice, `<iq xmlns="jabber:client" id="c2" type="set"><query xmlns="jabber:iq:register"><username>alice</username><password>new</password></query></iq>`)
	require.NoError(t, err)
	_, err = a.Plain(ctx, []byte("\x00alice\x00p"))
	require.Error(t, err)
	_, err = a.Plain(ctx, []byte("\x00alice\x00new"))
	require.NoError(t, err)

	_, err = feed(t, a, jid.JID{}, `<iq xmlns="jabber:client" id="d0" type="set"><query xmlns="jabber:iq:register"><remove/></query></iq>`)
	var se stanza.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, stanza.RegistrationRequired, se.Condition)

	_, err = feed(t, a, alice, `<iq xmlns="jabber:client" id="d1" type="set"><query xmlns="jabber:iq:register"><remove/></query></iq>`)
	require.NoError(t, err)
	_, err = a.Plain(ctx, []byte("\x00alice\x00new"))
	require.Error(t, err)

	_, err = feed(t, a, alice, `<iq xmlns="jabber:client" id="d2" type="set"><query xmlns="jabber:iq:register"><remove/></query></iq>`)
	require.Equal(t, stanza.ErrItemNotFound, err)
}

func TestRegistrationBadRequest(t *testing.T) {
	a := newAuth(t)
	_, err := feed(t, a, jid.JID{}, `<iq xmlns="jabber:client" id="r1" type="set"><ping xmlns="urn:xmpp:ping"/></iq>`)
	require.Equal(t, stanza.ErrBadRequest, err)

	reply, err := feed(t, a, jid.JID{}, `<iq xmlns="jabber:client" id="r1" type="result"><query xmlns="jabber:iq:register"/></iq>`)
	require.NoError(t, err)
	require.Nil(t, reply)
}
