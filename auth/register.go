// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"context"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/form"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

const instructions = "Choose a username and password for use with this service."

// Namespaces satisfies the plugin.Plugin interface.
func (a *Authenticator) Namespaces() []string {
	return []string{ns.Register}
}

// Features satisfies the plugin.Featurer interface.
func (a *Authenticator) Features() []string {
	return []string{ns.Register}
}

// Feed handles in-band registration requests.
// Before the stream is authenticated from is the zero JID and only account
// creation is allowed; afterwards the account of from may change its password
// or be removed.
func (a *Authenticator) Feed(ctx context.Context, from jid.JID, iq *element.Element) (*element.Element, error) {
	query := iq.Child(ns.Register, "query")
	if query == nil {
		return nil, stanza.ErrBadRequest
	}

	var reply *element.Element
	switch iq.Get("type") {
	case stanza.GetIQ:
		reply = stanza.Result(iq, a.registrationForm(from))
	case stanza.SetIQ:
		if err := a.set(ctx, from, query); err != nil {
			return nil, err
		}
		reply = stanza.Result(iq)
	default:
		return nil, nil
	}
	if reply.Get("from") == "" {
		reply.SetAttr("from", a.domain)
	}
	return reply, nil
}

func (a *Authenticator) registrationForm(from jid.JID) *element.Element {
	q := element.New(ns.Register, "query")
	if !from.IsZero() {
		return q.Append(
			element.New(ns.Register, "registered"),
			element.New(ns.Register, "username").AppendText(from.Localpart()),
		)
	}
	return q.Append(
		element.New(ns.Register, "instructions").AppendText(instructions),
		element.New(ns.Register, "username"),
		element.New(ns.Register, "password"),
		(&form.Data{
			Type:         form.TypeForm,
			Title:        "Account registration",
			Instructions: instructions,
			Fields: []form.Field{
				{Var: form.FormType, Type: form.Hidden, Values: []string{ns.Register}},
				{Var: "username", Type: form.TextSingle, Label: "Username", Required: true},
				{Var: "password", Type: form.TextPrivate, Label: "Password", Required: true},
			},
		}).Element(),
	)
}

func (a *Authenticator) set(ctx context.Context, from jid.JID, query *element.Element) error {
	if query.Child(ns.Register, "remove") != nil {
		if from.IsZero() {
			return stanza.Error{Type: stanza.Auth, Condition: stanza.RegistrationRequired}
		}
		return a.Unregister(ctx, from)
	}

	username := query.ChildText(ns.Register, "username")
	password := query.ChildText(ns.Register, "password")
	if d, ok := form.Find(query); ok {
		if d.Type != form.TypeSubmit {
			return stanza.ErrBadRequest
		}
		username, password = d.Get("username"), d.Get("password")
	}

	if from.IsZero() {
		_, err := a.Register(ctx, username, password)
		return err
	}
	if username != "" {
		j, err := a.account(username)
		if err != nil {
			return err
		}
		if j.Localpart() != from.Localpart() {
			return stanza.ErrNotAllowed
		}
	}
	return a.ChangePassword(ctx, from, password)
}
