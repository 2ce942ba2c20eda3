// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// Subscription states of a roster item.
const (
	SubNone = "none"
	SubTo   = "to"
	SubFrom = "from"
	SubBoth = "both"
)

// RosterItem is one contact in the roster of Owner.
// Owner and Contact are bare JIDs.
type RosterItem struct {
	Owner        string
	Contact      string
	Subscription string
	Ask          bool
	Name         string
	Groups       []string
}

// Element returns the item as a jabber:iq:roster <item/>.
func (i RosterItem) Element() *element.Element {
	sub := i.Subscription
	if sub == "" {
		sub = SubNone
	}
	el := element.New(ns.Roster, "item", "jid", i.Contact, "name", i.Name, "subscription", sub)
	if i.Ask {
		el.SetAttr("ask", "subscribe")
	}
	for _, g := range i.Groups {
		el.Append(element.New(ns.Roster, "group").AppendText(g))
	}
	return el
}

// RosterItemFromElement parses a jabber:iq:roster <item/> owned by owner.
func RosterItemFromElement(owner string, el *element.Element) RosterItem {
	item := RosterItem{
		Owner:        owner,
		Contact:      el.Get("jid"),
		Subscription: el.Get("subscription"),
		Ask:          el.Get("ask") == "subscribe",
		Name:         el.Get("name"),
	}
	if item.Subscription == "" {
		item.Subscription = SubNone
	}
	for _, g := range el.ChildrenNamed("", "group") {
		item.Groups = append(item.Groups, g.Text())
	}
	return item
}

func (s *Store) scanRoster(rows *sql.Rows, owner string) ([]RosterItem, error) {
	defer rows.Close()
	var out []RosterItem
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.WithStack(err)
		}
		el, err := element.Parse(raw)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt roster item")
		}
		out = append(out, RosterItemFromElement(owner, el))
	}
	return out, errors.WithStack(rows.Err())
}

// Roster returns the roster of owner in insertion order.
func (s *Store) Roster(ctx context.Context, owner string) ([]RosterItem, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("roster_item_xml").From("roster").Where(sb.Equal("jid_owner", owner)).OrderBy("id").Asc()
	rows, err := query(ctx, s.db, sb)
	if err != nil {
		return nil, err
	}
	return s.scanRoster(rows, owner)
}

// RosterItem returns the roster item of owner for contact.
func (s *Store) RosterItem(ctx context.Context, owner, contact string) (RosterItem, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("roster_item_xml").From("roster").Where(
		sb.Equal("jid_owner", owner),
		sb.Equal("jid_contact", contact),
	)
	rows, err := query(ctx, s.db, sb)
	if err != nil {
		return RosterItem{}, err
	}
	items, err := s.scanRoster(rows, owner)
	if err != nil {
		return RosterItem{}, err
	}
	if len(items) == 0 {
		return RosterItem{}, ErrNotFound
	}
	return items[0], nil
}

// PutRosterItems inserts or replaces the given items in a single transaction.
func (s *Store) PutRosterItems(ctx context.Context, items ...RosterItem) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if err := s.putRosterItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) putRosterItem(ctx context.Context, tx *sql.Tx, item RosterItem) error {
	raw := item.Element().String()
	ub := s.flavor.NewUpdateBuilder()
	ub.Update("roster").Set(ub.Assign("roster_item_xml", raw)).Where(
		ub.Equal("jid_owner", item.Owner),
		ub.Equal("jid_contact", item.Contact),
	)
	res, err := exec(ctx, tx, ub)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil || n > 0 {
		return err
	}
	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("roster").Cols("jid_owner", "jid_contact", "roster_item_xml").Values(item.Owner, item.Contact, raw)
	_, err = exec(ctx, tx, ib)
	return err
}

// DeleteRosterItem removes contact from the roster of owner.
// It returns ErrNotFound if there was no such item.
func (s *Store) DeleteRosterItem(ctx context.Context, owner, contact string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("roster").Where(db.Equal("jid_owner", owner), db.Equal("jid_contact", contact))
		res, err := exec(ctx, tx, db)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
