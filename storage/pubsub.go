// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Node is a publish-subscribe node.
type Node struct {
	ID          string
	Owner       string
	Name        string
	Type        string
	MaxItems    int
	AccessModel string
}

// Subscriber is an entry of the subscriber table. The affiliation of an
// entity with a node is stored on the row with an empty SubID.
type Subscriber struct {
	Node         string
	JID          string
	SubID        string
	Subscription string
	Affiliation  string
}

// Item is a published item.
type Item struct {
	Node      string
	Publisher string
	ID        string
	Payload   string
	Created   time.Time
}

// CreateNode stores n and makes n.Owner its owner.
// It returns ErrConflict if the node exists.
func (s *Store) CreateNode(ctx context.Context, n Node) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		ib := s.flavor.NewInsertBuilder()
		ib.InsertInto("pubsub").
			Cols("node", "owner", "name", "type", "max_items", "access_model").
			Values(n.ID, n.Owner, n.Name, n.Type, n.MaxItems, n.AccessModel)
		if _, err := exec(ctx, tx, ib); err != nil {
			return err
		}
		return s.putSubscriber(ctx, tx, Subscriber{
			Node:         n.ID,
			JID:          n.Owner,
			Subscription: "none",
			Affiliation:  "owner",
		})
	})
}

// UpdateNode replaces the configuration of an existing node.
func (s *Store) UpdateNode(ctx context.Context, n Node) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		ub := s.flavor.NewUpdateBuilder()
		ub.Update("pubsub").Set(
			ub.Assign("name", n.Name),
			ub.Assign("max_items", n.MaxItems),
			ub.Assign("access_model", n.AccessModel),
		).Where(ub.Equal("node", n.ID))
		res, err := exec(ctx, tx, ub)
		if err != nil {
			return err
		}
		if c, err := affected(res); err != nil || c == 0 {
			if err == nil {
				err = ErrNotFound
			}
			return err
		}
		return nil
	})
}

// DeleteNode removes a node with its subscribers and items.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"pubsub_items", "pubsub_subscribers", "pubsub"} {
			db := s.flavor.NewDeleteBuilder()
			db.DeleteFrom(table).Where(db.Equal("node", id))
			res, err := exec(ctx, tx, db)
			if err != nil {
				return err
			}
			if table != "pubsub" {
				continue
			}
			if c, err := affected(res); err != nil || c == 0 {
				if err == nil {
					err = ErrNotFound
				}
				return err
			}
		}
		return nil
	})
}

// Nodes returns all nodes.
func (s *Store) Nodes(ctx context.Context) ([]Node, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("node", "owner", "name", "type", "max_items", "access_model").From("pubsub").OrderBy("node").Asc()
	rows, err := query(ctx, s.db, sb)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Owner, &n.Name, &n.Type, &n.MaxItems, &n.AccessModel); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, n)
	}
	return out, errors.WithStack(rows.Err())
}

// Subscribers returns every subscriber row of every node.
func (s *Store) Subscribers(ctx context.Context) ([]Subscriber, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("node", "jid", "subid", "subscription", "affiliation").From("pubsub_subscribers").OrderBy("node", "jid", "subid").Asc()
	rows, err := query(ctx, s.db, sb)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.Node, &sub.JID, &sub.SubID, &sub.Subscription, &sub.Affiliation); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, sub)
	}
	return out, errors.WithStack(rows.Err())
}

// PutSubscriber inserts or replaces a subscriber row.
func (s *Store) PutSubscriber(ctx context.Context, sub Subscriber) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return s.putSubscriber(ctx, tx, sub)
	})
}

func (s *Store) putSubscriber(ctx context.Context, tx *sql.Tx, sub Subscriber) error {
	db := s.flavor.NewDeleteBuilder()
	db.DeleteFrom("pubsub_subscribers").Where(
		db.Equal("node", sub.Node),
		db.Equal("jid", sub.JID),
		db.Equal("subid", sub.SubID),
	)
	if _, err := exec(ctx, tx, db); err != nil {
		return err
	}
	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("pubsub_subscribers").
		Cols("node", "jid", "subid", "subscription", "affiliation").
		Values(sub.Node, sub.JID, sub.SubID, sub.Subscription, sub.Affiliation)
	_, err := exec(ctx, tx, ib)
	return err
}

// DeleteSubscriber removes a subscriber row.
func (s *Store) DeleteSubscriber(ctx context.Context, node, jid, subid string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("pubsub_subscribers").Where(
			db.Equal("node", node),
			db.Equal("jid", jid),
			db.Equal("subid", subid),
		)
		res, err := exec(ctx, tx, db)
		if err != nil {
			return err
		}
		if c, err := affected(res); err != nil || c == 0 {
			if err == nil {
				err = ErrNotFound
			}
			return err
		}
		return nil
	})
}

// PublishItem stores item, replacing an item with the same ID. If the node
// then holds more than maxItems items, the oldest are evicted. The IDs of
// evicted items are returned. A maxItems of zero or less keeps every item.
func (s *Store) PublishItem(ctx context.Context, item Item, maxItems int) ([]string, error) {
	var evicted []string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("pubsub_items").Where(db.Equal("node", item.Node), db.Equal("item_id", item.ID))
		if _, err := exec(ctx, tx, db); err != nil {
			return err
		}

		if maxItems > 0 {
			sb := s.flavor.NewSelectBuilder()
			sb.Select("item_id").From("pubsub_items").Where(sb.Equal("node", item.Node)).OrderBy("created_at").Asc()
			rows, err := query(ctx, tx, sb)
			if err != nil {
				return err
			}
			var ids []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return errors.WithStack(err)
				}
				ids = append(ids, id)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return errors.WithStack(err)
			}
			rows.Close()
			for len(ids) >= maxItems {
				db := s.flavor.NewDeleteBuilder()
				db.DeleteFrom("pubsub_items").Where(db.Equal("node", item.Node), db.Equal("item_id", ids[0]))
				if _, err := exec(ctx, tx, db); err != nil {
					return err
				}
				evicted = append(evicted, ids[0])
				ids = ids[1:]
			}
		}

		ib := s.flavor.NewInsertBuilder()
		ib.InsertInto("pubsub_items").
			Cols("node", "publisher", "item_id", "payload", "created_at").
			Values(item.Node, item.Publisher, item.ID, item.Payload, s.now())
		_, err := exec(ctx, tx, ib)
		return err
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Items returns the items of node from oldest to newest.
// If limit is greater than zero only the newest limit items are returned.
func (s *Store) Items(ctx context.Context, node string, limit int) ([]Item, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("node", "publisher", "item_id", "payload", "created_at").
		From("pubsub_items").
		Where(sb.Equal("node", node)).
		OrderBy("created_at").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}
	rows, err := query(ctx, s.db, sb)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var (
			it      Item
			created int64
		)
		if err := rows.Scan(&it.Node, &it.Publisher, &it.ID, &it.Payload, &created); err != nil {
			return nil, errors.WithStack(err)
		}
		it.Created = time.Unix(0, created)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Item returns a single item.
func (s *Store) Item(ctx context.Context, node, id string) (Item, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("publisher", "payload", "created_at").From("pubsub_items").Where(
		sb.Equal("node", node),
		sb.Equal("item_id", id),
	)
	it := Item{Node: node, ID: id}
	var created int64
	if err := queryRow(ctx, s.db, sb).Scan(&it.Publisher, &it.Payload, &created); err != nil {
		return Item{}, convertErr(err)
	}
	it.Created = time.Unix(0, created)
	return it, nil
}

// RetractItem deletes an item. It returns ErrNotFound if there is no such
// item.
func (s *Store) RetractItem(ctx context.Context, node, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("pubsub_items").Where(db.Equal("node", node), db.Equal("item_id", id))
		res, err := exec(ctx, tx, db)
		if err != nil {
			return err
		}
		if c, err := affected(res); err != nil || c == 0 {
			if err == nil {
				err = ErrNotFound
			}
			return err
		}
		return nil
	})
}

// PurgeItems deletes every item of node.
func (s *Store) PurgeItems(ctx context.Context, node string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("pubsub_items").Where(db.Equal("node", node))
		_, err := exec(ctx, tx, db)
		return err
	})
}
