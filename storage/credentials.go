// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// CreateCredential stores the password hash of a new account.
// It returns ErrConflict if the local part is taken.
func (s *Store) CreateCredential(ctx context.Context, local, hash string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		ib := s.flavor.NewInsertBuilder()
		ib.InsertInto("credentials").Cols("jid", "hash_pwd").Values(local, hash)
		_, err := exec(ctx, tx, ib)
		return err
	})
}

// Credential returns the password hash of the account with the given local
// part, or ErrNotFound.
func (s *Store) Credential(ctx context.Context, local string) (string, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select("hash_pwd").From("credentials").Where(sb.Equal("jid", local))
	var hash string
	if err := queryRow(ctx, s.db, sb).Scan(&hash); err != nil {
		return "", convertErr(err)
	}
	return hash, nil
}

// SetCredential replaces the password hash of an existing account.
func (s *Store) SetCredential(ctx context.Context, local, hash string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		ub := s.flavor.NewUpdateBuilder()
		ub.Update("credentials").Set(ub.Assign("hash_pwd", hash)).Where(ub.Equal("jid", local))
		res, err := exec(ctx, tx, ub)
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

// RemoveAccount deletes the credential of local together with the roster,
// pending subscriptions and offline messages of the bare JID bare.
func (s *Store) RemoveAccount(ctx context.Context, local, bare string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom("credentials").Where(db.Equal("jid", local))
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

		for _, del := range []struct{ table, col string }{
			{"roster", "jid_owner"},
			{"pending_subs", "jid_to"},
			{"offline", "jid_to"},
			{"pubsub_subscribers", "jid"},
		} {
			db := s.flavor.NewDeleteBuilder()
			db.DeleteFrom(del.table).Where(db.Equal(del.col, bare))
			if _, err := exec(ctx, tx, db); err != nil {
				return errors.Wrapf(err, "failed to clear %s", del.table)
			}
		}
		return nil
	})
}
