package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"git.tatikoma.dev/corpix/shelf/errors"
)

type (
	Tx = sql.Tx
	DB = sql.DB
)

const (
	ErrBeginTx    = "failed to start transaction"
	ErrRollbackTx = "failed to rollback transaction"
	ErrCommitTx   = "failed to commit transaction"
)

var DefaultPragmas = []string{
	"journal_mode=WAL",
	"busy_timeout=5000",
	"synchronous=NORMAL",
}

func NewClient(dsn string, timeout time.Duration) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database: %s", dsn)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, pragma := range DefaultPragmas {
		_, err = db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s;", pragma))
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to execute pragma: %s", pragma)
		}
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping sqlite database")
	}

	return db, nil
}

func WithTxContext[T any](ctx context.Context, db *DB, fn func(tx *Tx) (T, error)) (result T, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return result, errors.Wrap(err, ErrBeginTx)
	}

	defer func() {
		// closure is required to capture err value after execution of fn
		if panicErr := recover(); panicErr != nil {
			panicStr := fmt.Errorf("%v", panicErr)
			_ = endTx(tx, panicStr)
			panic(panicStr)
		} else {
			err = endTx(tx, err)
		}
	}()

	result, err = fn(tx)
	// err is inspected by the deferred call to pick commit or rollback
	return result, err
}

func endTx(tx *Tx, err error) error {
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			errors.Log(rbErr, ErrRollbackTx)
		}
		return err
	}

	if cmtErr := tx.Commit(); cmtErr != nil {
		return errors.Wrap(cmtErr, ErrCommitTx)
	}

	return nil
}
