// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// PendingSub is a subscription request that could not be delivered because
// the contact was not available.
type PendingSub struct {
	From   string
	To     string
	Stanza string
}

// PutPendingSub stores a subscription request from one bare JID to another,
// replacing any earlier request between the same pair.
func (s *Store) PutPendingSub(ctx context.Context, p PendingSub) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("pending_subs").Where(db.Equal("jid_from", p.From), db.Equal("jid_to", p.To))
		if _, err := exec(ctx, tx, db); err != nil {
			return err
		}
		ib := s.flavor.NewInsertBuilder()
		ib.InsertInto("pending_subs").Cols("jid_from", "jid_to", "item").Values(p.From, p.To, p.Stanza)
		_, err := exec(ctx, tx, ib)
		return err
	})
}

// DeletePendingSub removes the request from one bare JID to another if any.
func (s *Store) DeletePendingSub(ctx context.Context, from, to string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("pending_subs").Where(db.Equal("jid_from", from), db.Equal("jid_to", to))
		_, err := exec(ctx, tx, db)
		return err
	})
}

// TakePendingSubs removes and returns every request addressed to the bare
// JID to.
func (s *Store) TakePendingSubs(ctx context.Context, to string) ([]PendingSub, error) {
	var out []PendingSub
	err := s.tx(ctx, func(tx *sql.Tx) error {
		sb := s.flavor.NewSelectBuilder()
		sb.Select("jid_from", "item").From("pending_subs").Where(sb.Equal("jid_to", to)).OrderBy("jid_from").Asc()
		rows, err := query(ctx, tx, sb)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p := PendingSub{To: to}
			if err := rows.Scan(&p.From, &p.Stanza); err != nil {
				return errors.WithStack(err)
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			return errors.WithStack(err)
		}
		rows.Close()

		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("pending_subs").Where(db.Equal("jid_to", to))
		_, err = exec(ctx, tx, db)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutOffline appends a message for the bare JID to.
func (s *Store) PutOffline(ctx context.Context, to, stanza string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		ib := s.flavor.NewInsertBuilder()
		ib.InsertInto("offline").Cols("jid_to", "stanza", "created_at").Values(to, stanza, s.now())
		_, err := exec(ctx, tx, ib)
		return err
	})
}

// OfflineMessage is a message stored for an account without a ready stream.
type OfflineMessage struct {
	ID     int64
	Stanza string
}

// Offline returns the messages stored for the bare JID to in the order they
// were stored. They stay stored until acknowledged with AckOffline.
func (s *Store) Offline(ctx context.Context, to string) ([]OfflineMessage, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("id", "stanza").From("offline").Where(sb.Equal("jid_to", to)).OrderBy("id").Asc()
	rows, err := query(ctx, s.db, sb)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OfflineMessage
	for rows.Next() {
		var m OfflineMessage
		if err := rows.Scan(&m.ID, &m.Stanza); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, m)
	}
	return out, errors.WithStack(rows.Err())
}

// AckOffline deletes the messages for the bare JID to up to and including
// the message with ID last.
func (s *Store) AckOffline(ctx context.Context, to string, last int64) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("offline").Where(db.Equal("jid_to", to), db.LessEqualThan("id", last))
		_, err := exec(ctx, tx, db)
		return err
	})
}
