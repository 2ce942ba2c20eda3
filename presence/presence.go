// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package presence implements presence broadcast and the subscription state
// machine of RFC 6121.
//
// Subscription stanzas are processed in two halves. The outgoing half updates
// the roster of the sender if the sender is a local account, and the incoming
// half updates the roster of the recipient if the recipient is local. Stanzas
// between two local accounts run both halves; stanzas to or from peer servers
// only run the half that belongs to this server.
package presence // import "mellium.im/xmppd/presence"

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/plugin"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/roster"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

// Store is the persistence used by the engine.
type Store interface {
	Roster(ctx context.Context, owner string) ([]storage.RosterItem, error)
	RosterItem(ctx context.Context, owner, contact string) (storage.RosterItem, error)
	PutRosterItems(ctx context.Context, items ...storage.RosterItem) error
	PutPendingSub(ctx context.Context, p storage.PendingSub) error
	DeletePendingSub(ctx context.Context, from, to string) error
	TakePendingSubs(ctx context.Context, to string) ([]storage.PendingSub, error)
}

// Engine handles presence stanzas.
type Engine struct {
	host   jid.JID
	store  Store
	reg    *registry.Registry
	sender plugin.Sender
	logger *zap.Logger
}

// New returns an engine for the accounts of host.
func New(host jid.JID, store Store, reg *registry.Registry, sender plugin.Sender, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		host:   host.Domain(),
		store:  store,
		reg:    reg,
		sender: sender,
		logger: logger,
	}
}

func (e *Engine) local(j jid.JID) bool {
	return j.Domainpart() == e.host.Domainpart()
}

// Handle processes a presence stanza sent by from.
// For client streams peer is the registry key of the sending connection and
// from is its full JID.
func (e *Engine) Handle(ctx context.Context, peer string, from jid.JID, st *element.Element) error {
	to, err := stanza.To(st)
	if err != nil {
		return stanza.ErrJIDMalformed
	}

	switch typ := st.Get("type"); typ {
	case stanza.SubscribePresence, stanza.SubscribedPresence,
		stanza.UnsubscribePresence, stanza.UnsubscribedPresence:
		if to.IsZero() {
			return stanza.ErrBadRequest
		}
		return e.subscription(ctx, from.Bare(), to.Bare(), st)
	case stanza.ProbePresence:
		if to.IsZero() {
			return stanza.ErrBadRequest
		}
		return e.probe(ctx, from, to.Bare())
	case stanza.AvailablePresence, stanza.UnavailablePresence:
		if !to.IsZero() {
			// Directed presence is delivered as is.
			return e.sender.Send(ctx, st)
		}
		if !e.local(from) {
			return nil
		}
		return e.update(ctx, peer, from, st)
	case stanza.ErrorPresence:
		if to.IsZero() {
			return nil
		}
		return e.sender.Send(ctx, st)
	}
	return stanza.ErrBadRequest
}

// Online delivers the subscription requests that arrived while the account of
// full had no resource online.
func (e *Engine) Online(ctx context.Context, full jid.JID) error {
	subs, err := e.store.TakePendingSubs(ctx, full.Bare().String())
	if err != nil {
		return err
	}
	for _, p := range subs {
		el, err := element.Parse(p.Stanza)
		if err != nil {
			e.logger.Warn("dropping corrupt pending subscription", zap.String("from", p.From), zap.Error(err))
			continue
		}
		if err := e.sender.SendAll(ctx, full.Bare(), el); err != nil {
			return err
		}
	}
	return nil
}

// Disconnected broadcasts unavailable presence on behalf of a client that
// went away while available.
func (e *Engine) Disconnected(ctx context.Context, rec registry.Record) error {
	if !rec.Available() || rec.JID.IsBare() {
		return nil
	}
	st := stanza.New("presence", "type", stanza.UnavailablePresence)
	return e.broadcast(ctx, rec.JID, st)
}

// Removed cancels the subscriptions that existed with a contact the owner
// deleted from their roster.
func (e *Engine) Removed(ctx context.Context, owner jid.JID, item storage.RosterItem) {
	contact, err := jid.Parse(item.Contact)
	if err != nil {
		return
	}
	var types []string
	if has(item.Subscription, storage.SubTo) || item.Ask {
		types = append(types, stanza.UnsubscribePresence)
	}
	if has(item.Subscription, storage.SubFrom) {
		types = append(types, stanza.UnsubscribedPresence)
	}
	for _, typ := range types {
		st := stanza.New("presence", "type", typ, "to", contact.String())
		if err := e.subscription(ctx, owner.Bare(), contact, st); err != nil {
			e.logger.Warn("error cancelling subscription", zap.Stringer("owner", owner), zap.Stringer("contact", contact), zap.Error(err))
		}
	}
}

func (e *Engine) subscription(ctx context.Context, user, contact jid.JID, st *element.Element) error {
	typ := st.Get("type")
	out := st.Copy()
	out.SetAttr("from", user.String())
	out.SetAttr("to", contact.String())

	if e.local(user) {
		proceed, err := e.outgoing(ctx, user, contact, typ)
		if err != nil || !proceed {
			return err
		}
	}

	var err error
	if e.local(contact) {
		err = e.incoming(ctx, user, contact, typ, out)
	} else {
		err = e.sender.Send(ctx, out)
	}
	if err != nil {
		return err
	}

	if e.local(user) {
		switch typ {
		case stanza.SubscribedPresence:
			return e.sendPresences(ctx, user, contact, false)
		case stanza.UnsubscribedPresence:
			return e.sendPresences(ctx, user, contact, true)
		}
	}
	return nil
}

// outgoing updates the roster of the local account user sending a
// subscription stanza to contact. It reports whether the stanza should be
// delivered.
func (e *Engine) outgoing(ctx context.Context, user, contact jid.JID, typ string) (bool, error) {
	item, exists, err := e.item(ctx, user, contact)
	if err != nil {
		return false, err
	}

	switch typ {
	case stanza.SubscribePresence:
		if has(item.Subscription, storage.SubTo) {
			reply := stanza.New("presence", "from", contact.String(), "to", user.String(), "type", stanza.SubscribedPresence)
			return false, e.sender.Send(ctx, reply)
		}
		if item.Ask {
			return false, nil
		}
		item.Ask = true
	case stanza.UnsubscribePresence:
		if !exists {
			return true, nil
		}
		item.Subscription = drop(item.Subscription, storage.SubTo)
		item.Ask = false
	case stanza.SubscribedPresence:
		if err := e.store.DeletePendingSub(ctx, contact.String(), user.String()); err != nil {
			return false, err
		}
		item.Subscription = add(item.Subscription, storage.SubFrom)
	case stanza.UnsubscribedPresence:
		if err := e.store.DeletePendingSub(ctx, contact.String(), user.String()); err != nil {
			return false, err
		}
		if !exists {
			return true, nil
		}
		item.Subscription = drop(item.Subscription, storage.SubFrom)
	}
	return true, e.save(ctx, user, item)
}

// incoming updates the roster of the local account contact receiving a
// subscription stanza from user and delivers it.
func (e *Engine) incoming(ctx context.Context, user, contact jid.JID, typ string, out *element.Element) error {
	item, exists, err := e.item(ctx, contact, user)
	if err != nil {
		return err
	}

	switch typ {
	case stanza.SubscribePresence:
		if has(item.Subscription, storage.SubFrom) {
			reply := stanza.New("presence", "from", contact.String(), "to", user.String(), "type", stanza.SubscribedPresence)
			return e.sender.Send(ctx, reply)
		}
		if len(e.reg.LookupByJID(contact)) == 0 {
			e.logger.Debug("storing subscription request", zap.Stringer("from", user), zap.Stringer("to", contact))
			return e.store.PutPendingSub(ctx, storage.PendingSub{
				From:   user.String(),
				To:     contact.String(),
				Stanza: out.String(),
			})
		}
	case stanza.SubscribedPresence:
		item.Subscription = add(item.Subscription, storage.SubTo)
		item.Ask = false
		if err := e.save(ctx, contact, item); err != nil {
			return err
		}
	case stanza.UnsubscribePresence:
		if err := e.store.DeletePendingSub(ctx, user.String(), contact.String()); err != nil {
			return err
		}
		if exists {
			item.Subscription = drop(item.Subscription, storage.SubFrom)
			if err := e.save(ctx, contact, item); err != nil {
				return err
			}
		}
	case stanza.UnsubscribedPresence:
		if exists {
			item.Subscription = drop(item.Subscription, storage.SubTo)
			item.Ask = false
			if err := e.save(ctx, contact, item); err != nil {
				return err
			}
		}
	}
	return e.sender.Send(ctx, out)
}

// update records and broadcasts presence without a to attribute.
func (e *Engine) update(ctx context.Context, peer string, from jid.JID, st *element.Element) error {
	rec, ok := e.reg.Get(peer)
	if !ok {
		return registry.ErrUnknownPeer
	}
	initial := !rec.Available()

	var err error
	if st.Get("type") == stanza.UnavailablePresence {
		err = e.reg.SetPresence(peer, nil, 0)
	} else {
		err = e.reg.SetPresence(peer, st.Copy(), stanza.Priority(st))
	}
	if err != nil {
		return err
	}

	if err := e.broadcast(ctx, from, st); err != nil {
		return err
	}
	if !initial || st.Get("type") == stanza.UnavailablePresence {
		return nil
	}
	return e.probeAll(ctx, from)
}

// broadcast sends st from the full JID from to every contact subscribed to
// its presence and to the other resources of the account.
func (e *Engine) broadcast(ctx context.Context, from jid.JID, st *element.Element) error {
	items, err := e.store.Roster(ctx, from.Bare().String())
	if err != nil {
		return err
	}
	var targets []string
	for _, item := range items {
		if has(item.Subscription, storage.SubFrom) {
			targets = append(targets, item.Contact)
		}
	}
	for _, rec := range e.reg.LookupByJID(from.Bare()) {
		if rec.JID != from {
			targets = append(targets, rec.JID.String())
		}
	}
	for _, to := range targets {
		c := st.Copy()
		c.SetAttr("from", from.String())
		c.SetAttr("to", to)
		if err := e.sender.Send(ctx, c); err != nil {
			e.logger.Debug("error broadcasting presence", zap.String("to", to), zap.Error(err))
		}
	}
	return nil
}

// probeAll collects the presence of the contacts from is subscribed to and of
// the other available resources of the account.
func (e *Engine) probeAll(ctx context.Context, from jid.JID) error {
	items, err := e.store.Roster(ctx, from.Bare().String())
	if err != nil {
		return err
	}
	for _, item := range items {
		if !has(item.Subscription, storage.SubTo) {
			continue
		}
		contact, err := jid.Parse(item.Contact)
		if err != nil {
			continue
		}
		if err := e.probe(ctx, from, contact); err != nil {
			return err
		}
	}
	for _, rec := range e.reg.Available(from.Bare()) {
		if rec.JID == from {
			continue
		}
		c := rec.Presence.Copy()
		c.SetAttr("from", rec.JID.String())
		c.SetAttr("to", from.String())
		if err := e.sender.Send(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// probe answers a request from from for the presence of contact.
func (e *Engine) probe(ctx context.Context, from, contact jid.JID) error {
	if !e.local(contact) {
		if !e.local(from) {
			return nil
		}
		st := stanza.New("presence", "type", stanza.ProbePresence, "from", from.Bare().String(), "to", contact.String())
		return e.sender.Send(ctx, st)
	}
	item, _, err := e.item(ctx, contact, from.Bare())
	if err != nil {
		return err
	}
	if !has(item.Subscription, storage.SubFrom) {
		return nil
	}
	return e.sendPresences(ctx, contact, from, false)
}

// sendPresences sends the presence of every available resource of the local
// account owner to the entity to. If unavailable is true unavailable presence
// is sent instead.
func (e *Engine) sendPresences(ctx context.Context, owner, to jid.JID, unavailable bool) error {
	if !e.local(owner) {
		return nil
	}
	for _, rec := range e.reg.Available(owner) {
		c := rec.Presence.Copy()
		if unavailable {
			c = stanza.New("presence", "type", stanza.UnavailablePresence)
		}
		c.SetAttr("from", rec.JID.String())
		c.SetAttr("to", to.String())
		if err := e.sender.Send(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) item(ctx context.Context, owner, contact jid.JID) (storage.RosterItem, bool, error) {
	item, err := e.store.RosterItem(ctx, owner.String(), contact.String())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.RosterItem{
			Owner:        owner.String(),
			Contact:      contact.String(),
			Subscription: storage.SubNone,
		}, false, nil
	case err != nil:
		return item, false, err
	}
	return item, true, nil
}

func (e *Engine) save(ctx context.Context, owner jid.JID, item storage.RosterItem) error {
	if err := e.store.PutRosterItems(ctx, item); err != nil {
		return err
	}
	return roster.Push(ctx, e.sender, owner, item, false)
}

// has reports whether the subscription state s includes the direction dir.
func has(s, dir string) bool {
	return s == dir || s == storage.SubBoth
}

func add(s, dir string) string {
	switch {
	case s == storage.SubNone || s == "":
		return dir
	case s != dir:
		return storage.SubBoth
	}
	return s
}

func drop(s, dir string) string {
	switch s {
	case dir:
		return storage.SubNone
	case storage.SubBoth:
		if dir == storage.SubTo {
			return storage.SubFrom
		}
		return storage.SubTo
	}
	return s
}
