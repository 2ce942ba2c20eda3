// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package storage is the relational persistence layer of the server.
//
// SQLite (through github.com/mattn/go-sqlite3) is used for file and in memory
// databases and PostgreSQL (through the pgx stdlib driver) when the database
// path is a postgres:// URL. Migrations are embedded and applied with goose.
// Every mutating method runs in its own transaction.
package storage // import "mellium.im/xmppd/storage"

import (
	"context"
	"database/sql"
	"embed"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations
var migrations embed.FS

// Sentinel errors returned by the store.
var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

// gooseMu guards the package level state of goose.
var gooseMu sync.Mutex

// Options configure how the database is opened.
type Options struct {
	// Path is a SQLite file name or a postgres:// URL.
	Path string

	// InMemory opens a private SQLite database that lives as long as the
	// store. Path is ignored.
	InMemory bool

	// Purge drops all tables before applying migrations.
	Purge bool

	Logger *zap.Logger
}

// Store is the database used by the server.
type Store struct {
	db      *sql.DB
	flavor  sqlbuilder.Flavor
	dialect string
	logger  *zap.Logger

	clockMu sync.Mutex
	last    int64
}

// Open connects to the database described by opts and migrates it to the
// latest schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger}

	var (
		driver, dsn string
		err         error
	)
	switch {
	case !opts.InMemory && (strings.HasPrefix(opts.Path, "postgres://") || strings.HasPrefix(opts.Path, "postgresql://")):
		driver, dsn = "pgx", opts.Path
		s.flavor, s.dialect = sqlbuilder.PostgreSQL, "postgres"
	case opts.InMemory || opts.Path == "" || opts.Path == ":memory:":
		id, err := uuid.NewV4()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		driver, dsn = "sqlite3", "file:xmppd-"+id.String()+"?mode=memory&cache=shared"
		s.flavor, s.dialect = sqlbuilder.SQLite, "sqlite3"
	default:
		driver, dsn = "sqlite3", "file:"+opts.Path+"?_busy_timeout=5000"
		s.flavor, s.dialect = sqlbuilder.SQLite, "sqlite3"
	}

	s.db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if driver == "sqlite3" {
		// SQLite allows a single writer; serialising connections avoids
		// "database is locked" errors and keeps an in memory database alive.
		s.db.SetMaxOpenConns(1)
	}
	if err = s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err = s.migrate(ctx, opts.Purge); err != nil {
		s.db.Close()
		return nil, err
	}
	logger.Info("database ready", zap.String("driver", driver), zap.Bool("purged", opts.Purge))
	return s, nil
}

func (s *Store) migrate(ctx context.Context, purge bool) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{s.logger.Sugar()})
	if err := goose.SetDialect(s.dialect); err != nil {
		return errors.WithStack(err)
	}
	dir := "migrations/sqlite"
	if s.dialect == "postgres" {
		dir = "migrations/postgres"
	}
	if purge {
		if _, err := goose.EnsureDBVersionContext(ctx, s.db); err != nil {
			return errors.Wrap(err, "failed to read schema version")
		}
		if err := goose.ResetContext(ctx, s.db, dir); err != nil {
			return errors.Wrap(err, "failed to purge database")
		}
	}
	return errors.Wrap(goose.UpContext(ctx, s.db, dir), "failed to migrate database")
}

// Close closes the database.
func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// tx runs fn in a transaction that is committed if fn returns nil and rolled
// back otherwise.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// now returns a strictly increasing timestamp in nanoseconds so that rows
// created in quick succession keep their order.
func (s *Store) now() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	n := time.Now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exec(ctx context.Context, e execer, b sqlbuilder.Builder) (sql.Result, error) {
	q, args := b.Build()
	res, err := e.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, convertErr(err)
	}
	return res, nil
}

func query(ctx context.Context, e execer, b sqlbuilder.Builder) (*sql.Rows, error) {
	q, args := b.Build()
	rows, err := e.QueryContext(ctx, q, args...)
	return rows, errors.WithStack(err)
}

func queryRow(ctx context.Context, e execer, b sqlbuilder.Builder) *sql.Row {
	q, args := b.Build()
	return e.QueryRowContext(ctx, q, args...)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	return n, errors.WithStack(err)
}

// convertErr maps driver specific errors to the sentinel errors of this
// package.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint {
		return errors.Wrap(ErrConflict, liteErr.Error())
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Wrap(ErrConflict, pgErr.Message)
	}
	return errors.WithStack(err)
}

type gooseLogger struct {
	l *zap.SugaredLogger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.l.Infof(strings.TrimSpace(format), v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.l.Fatalf(format, v...)
}
