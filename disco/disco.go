// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package disco answers service discovery queries for the server, its
// services and the accounts it hosts.
package disco // import "mellium.im/xmppd/disco"

import (
	"context"
	"errors"

	"mellium.im/xmppd/disco/info"
	"mellium.im/xmppd/disco/items"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/plugin"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

// Namespaces used by this package.
const (
	NSInfo  = ns.DiscoInfo
	NSItems = ns.DiscoItems
)

// Identities reported by the handler.
var (
	ServerIdentity  = info.Identity{Category: "server", Type: "im", Name: "xmppd"}
	AccountIdentity = info.Identity{Category: "account", Type: "registered"}
)

// Service is an entity hosted on its own domain, such as the
// publish-subscribe service.
type Service interface {
	JID() jid.JID
	Name() string
	info.IdentityIter
	info.FeatureIter
	items.Iter
}

// Store looks up local accounts.
type Store interface {
	Credential(ctx context.Context, local string) (string, error)
}

// Handler is a plugin that responds to disco#info and disco#items requests.
type Handler struct {
	host     jid.JID
	mux      *plugin.Mux
	store    Store
	services []Service
}

// New returns a handler for the server at host.
// The features of the server are those advertised by the plugins in mux.
func New(host jid.JID, mux *plugin.Mux, store Store, services ...Service) *Handler {
	return &Handler{
		host:     host.Domain(),
		mux:      mux,
		store:    store,
		services: services,
	}
}

// Namespaces implements plugin.Plugin.
func (*Handler) Namespaces() []string {
	return []string{"http://jabber.org/protocol/disco*"}
}

// Features implements plugin.Featurer.
func (*Handler) Features() []string {
	return []string{NSInfo, NSItems}
}

// Feed implements plugin.Plugin.
func (h *Handler) Feed(ctx context.Context, _ jid.JID, iq *element.Element) (*element.Element, error) {
	switch iq.Get("type") {
	case stanza.GetIQ:
	case stanza.SetIQ:
		return nil, stanza.ErrBadRequest
	default:
		return nil, nil
	}
	q := iq.FirstChild()
	if q == nil || q.Name.Local != "query" {
		return nil, stanza.ErrBadRequest
	}
	to, err := stanza.To(iq)
	if err != nil {
		return nil, stanza.ErrJIDMalformed
	}
	entity, err := h.entity(ctx, to)
	if err != nil {
		return nil, err
	}

	node := q.Get("node")
	switch q.Name.Space {
	case NSInfo:
		query, err := infoQuery(entity, node)
		if err != nil {
			return nil, err
		}
		return stanza.Result(iq, query), nil
	case NSItems:
		query := element.New(NSItems, "query", "node", node)
		err := entity.ForItems(node, func(i items.Item) error {
			query.Append(i.Element())
			return nil
		})
		if err != nil {
			return nil, err
		}
		return stanza.Result(iq, query), nil
	}
	return nil, stanza.ErrFeatureNotImplemented
}

func infoQuery(entity Service, node string) (*element.Element, error) {
	query := element.New(NSInfo, "query", "node", node)
	err := entity.ForIdentities(node, func(i info.Identity) error {
		query.Append(i.Element())
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = entity.ForFeatures(node, func(f info.Feature) error {
		query.Append(f.Element())
		return nil
	})
	return query, err
}

// entity returns the discoverable entity addressed by to.
func (h *Handler) entity(ctx context.Context, to jid.JID) (Service, error) {
	if to.IsZero() || to.Equal(h.host) {
		return server{h}, nil
	}
	for _, s := range h.services {
		if to.Equal(s.JID()) {
			return s, nil
		}
	}
	if to.Domainpart() != h.host.Domainpart() || to.Localpart() == "" || !to.IsBare() {
		return nil, stanza.ErrItemNotFound
	}
	_, err := h.store.Credential(ctx, to.Localpart())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, stanza.ErrItemNotFound
	case err != nil:
		return nil, err
	}
	return account{to}, nil
}

type server struct {
	h *Handler
}

func (s server) JID() jid.JID { return s.h.host }
func (server) Name() string   { return ServerIdentity.Name }

func (server) ForIdentities(node string, f func(info.Identity) error) error {
	if node != "" {
		return stanza.ErrItemNotFound
	}
	return f(ServerIdentity)
}

func (s server) ForFeatures(node string, f func(info.Feature) error) error {
	if node != "" {
		return stanza.ErrItemNotFound
	}
	for _, v := range s.h.mux.Features() {
		if err := f(info.Feature{Var: v}); err != nil {
			return err
		}
	}
	return nil
}

func (s server) ForItems(node string, f func(items.Item) error) error {
	if node != "" {
		return stanza.ErrItemNotFound
	}
	for _, svc := range s.h.services {
		if err := f(items.Item{JID: svc.JID(), Name: svc.Name()}); err != nil {
			return err
		}
	}
	return nil
}

type account struct {
	j jid.JID
}

func (a account) JID() jid.JID { return a.j }
func (account) Name() string   { return "" }

func (account) ForIdentities(node string, f func(info.Identity) error) error {
	if node != "" {
		return stanza.ErrItemNotFound
	}
	return f(AccountIdentity)
}

func (account) ForFeatures(node string, f func(info.Feature) error) error {
	if node != "" {
		return stanza.ErrItemNotFound
	}
	if err := f(info.Feature{Var: NSInfo}); err != nil {
		return err
	}
	return f(info.Feature{Var: NSItems})
}

func (account) ForItems(string, func(items.Item) error) error {
	return nil
}
