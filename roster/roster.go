// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roster implements contact list management (RFC 6121 §2) on the
// server side.
package roster // import "mellium.im/xmppd/roster"

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/plugin"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

// Remove is the subscription value used to delete a roster item.
const Remove = "remove"

// Store is the persistence used by the roster.
type Store interface {
	Roster(ctx context.Context, owner string) ([]storage.RosterItem, error)
	RosterItem(ctx context.Context, owner, contact string) (storage.RosterItem, error)
	PutRosterItems(ctx context.Context, items ...storage.RosterItem) error
	DeleteRosterItem(ctx context.Context, owner, contact string) error
}

// Handler serves jabber:iq:roster queries.
type Handler struct {
	store    Store
	sender   plugin.Sender
	logger   *zap.Logger
	onRemove func(ctx context.Context, owner jid.JID, item storage.RosterItem)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger of the handler.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// OnRemove registers f to be called after an item is removed by its owner.
// It is used to cancel the subscriptions that existed with the contact.
func OnRemove(f func(ctx context.Context, owner jid.JID, item storage.RosterItem)) Option {
	return func(h *Handler) {
		h.onRemove = f
	}
}

// New returns a roster handler that pushes changes through sender.
func New(store Store, sender plugin.Sender, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		sender: sender,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Namespaces satisfies the plugin.Plugin interface.
func (h *Handler) Namespaces() []string {
	return []string{ns.Roster}
}

// Feed satisfies the plugin.Plugin interface.
func (h *Handler) Feed(ctx context.Context, from jid.JID, iq *element.Element) (*element.Element, error) {
	query := iq.Child(ns.Roster, "query")
	if query == nil {
		return nil, stanza.ErrBadRequest
	}
	owner := from.Bare()
	to, err := stanza.To(iq)
	if err != nil {
		return nil, stanza.ErrJIDMalformed
	}
	if !to.IsZero() && !to.Equal(owner) {
		return nil, stanza.ErrForbidden
	}

	switch iq.Get("type") {
	case stanza.GetIQ:
		items, err := h.store.Roster(ctx, owner.String())
		if err != nil {
			return nil, err
		}
		q := element.New(ns.Roster, "query")
		for _, item := range items {
			q.Append(item.Element())
		}
		return stanza.Result(iq, q), nil
	case stanza.SetIQ:
		items := query.ChildrenNamed(ns.Roster, "item")
		if len(items) != 1 {
			return nil, stanza.ErrBadRequest
		}
		if err := h.set(ctx, owner, items[0]); err != nil {
			return nil, err
		}
		return stanza.Result(iq), nil
	}
	return nil, nil
}

func (h *Handler) set(ctx context.Context, owner jid.JID, el *element.Element) error {
	contact, err := jid.Parse(el.Get("jid"))
	if err != nil {
		return stanza.ErrBadRequest
	}
	contact = contact.Bare()

	existing, err := h.store.RosterItem(ctx, owner.String(), contact.String())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = storage.RosterItem{
			Owner:        owner.String(),
			Contact:      contact.String(),
			Subscription: storage.SubNone,
		}
		if el.Get("subscription") == Remove {
			return stanza.ErrItemNotFound
		}
	case err != nil:
		return err
	}

	if el.Get("subscription") == Remove {
		if err := h.store.DeleteRosterItem(ctx, existing.Owner, existing.Contact); err != nil {
			return err
		}
		h.logger.Debug("roster item removed", zap.Stringer("owner", owner), zap.Stringer("contact", contact))
		if err := Push(ctx, h.sender, owner, existing, true); err != nil {
			return err
		}
		if h.onRemove != nil {
			h.onRemove(ctx, owner, existing)
		}
		return nil
	}

	// Clients may only change the name and groups, the subscription state
	// belongs to the server.
	update := storage.RosterItemFromElement(owner.String(), el)
	existing.Name = update.Name
	existing.Groups = update.Groups
	if err := h.store.PutRosterItems(ctx, existing); err != nil {
		return err
	}
	return Push(ctx, h.sender, owner, existing, false)
}

// Push sends a roster push with item to every resource of owner.
// If removed is true the item is announced with subscription "remove".
func Push(ctx context.Context, s plugin.Sender, owner jid.JID, item storage.RosterItem, removed bool) error {
	el := item.Element()
	if removed {
		el = element.New(ns.Roster, "item", "jid", item.Contact, "subscription", Remove)
	}
	iq := stanza.New("iq", "type", stanza.SetIQ, "id", uuid.Must(uuid.NewV4()).String())
	iq.Append(element.New(ns.Roster, "query").Append(el))
	return s.SendAll(ctx, owner.Bare(), iq)
}
