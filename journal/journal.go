// Package journal keeps a persistent record of the events controllers
// publish to the coordinator.
package journal

import (
	"context"
	"database/sql"
	"time"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/message"
)

const DefaultTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	service    TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	cause      TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_service ON events (service, id);
`

type Entry struct {
	ID      int64
	Service string
	Kind    message.Kind
	Cause   string
	At      time.Time
}

type Journal struct {
	db      *DB
	timeout time.Duration
	now     func() time.Time
}

func Open(dsn string) (*Journal, error) {
	db, err := NewClient(dsn, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create journal schema")
	}

	return &Journal{
		db:      db,
		timeout: DefaultTimeout,
		now:     time.Now,
	}, nil
}

func (j *Journal) Record(ctx context.Context, m message.Message) (int64, error) {
	var cause string
	if f, ok := m.(message.WorkerFault); ok {
		cause = f.Cause
	}

	return WithTxContext(ctx, j.db, func(tx *Tx) (int64, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (service, kind, cause, created_at) VALUES (?, ?, ?, ?)`,
			m.Service(), m.Kind().String(), cause, j.now().UnixNano(),
		)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to record %s of %q", m.Kind(), m.Service())
		}
		return res.LastInsertId()
	})
}

// Observe records m with the journal timeout, it matches the shape of a
// publish.Stream pump callback.
func (j *Journal) Observe(m message.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err := j.Record(ctx, m)
	return err
}

// List returns up to limit most recent entries of service, oldest first.
func (j *Journal) List(ctx context.Context, service string, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, service, kind, cause, created_at FROM (
			SELECT * FROM events WHERE service = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		service, limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list events of %q", service)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Last returns the most recent entry of service or sql.ErrNoRows.
func (j *Journal) Last(ctx context.Context, service string) (Entry, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, service, kind, cause, created_at FROM events WHERE service = ? ORDER BY id DESC LIMIT 1`,
		service,
	)
	return scan(row)
}

func (j *Journal) Close() error {
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Entry, error) {
	var (
		e    Entry
		kind string
		at   int64
	)
	err := s.Scan(&e.ID, &e.Service, &kind, &e.Cause, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, errors.Wrap(err, "failed to scan event")
	}
	e.Kind, err = message.ParseKind(kind)
	if err != nil {
		return e, err
	}
	e.At = time.Unix(0, at)
	return e, nil
}

func ErrIsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
