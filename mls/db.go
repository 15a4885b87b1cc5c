// Copyright 2024 The Edgemesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

// DbConnect opens the Postgres connection pool backing the Postgres Storage
// implementation, applying the same connection-URL normalization and pool
// tuning the teacher's db.go performs for its own game-server database.
func DbConnect(ctx context.Context, logger *zap.Logger, cfg *DatabaseConfig) (*sql.DB, error) {
	rawURL := cfg.Address
	if !(strings.HasPrefix(rawURL, "postgresql://") || strings.HasPrefix(rawURL, "postgres://")) {
		rawURL = fmt.Sprintf("postgres://%s", rawURL)
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, NewFatalError("bad database connection url", err)
	}
	if len(parsedURL.Query().Get("sslmode")) == 0 {
		q := parsedURL.Query()
		q.Set("sslmode", "prefer")
		parsedURL.RawQuery = q.Encode()
	}
	if len(parsedURL.User.Username()) < 1 {
		parsedURL.User = url.User("root")
	}

	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		return nil, NewFatalError("failed to open database", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		if strings.HasSuffix(err.Error(), "does not exist (SQLSTATE 3D000)") {
			return nil, NewFatalError("database schema not found, run migrations before connecting", err)
		}
		return nil, NewTransportError("error pinging database", err)
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(cfg.ConnMaxLifetimeMs))
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	logger.Info("connected to database", zap.String("address", parsedURL.Redacted()))
	return db, nil
}

// ExecuteInTx runs fn inside a freshly begun *sql.Tx, retrying the whole
// attempt (rollback, re-begin, re-run fn) up to 5 times on a Postgres
// 40XXXX serialization-class error. Grounded on the teacher's
// executeInTxPostgres, with the CockroachDB SAVEPOINT branch dropped since
// this storage backend targets Postgres only.
func ExecuteInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	var tx *sql.Tx
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	for i := 0; i < 5; i++ {
		if tx, err = db.BeginTx(ctx, nil); err != nil {
			tx = nil
			return NewStorageTransientError("failed to begin transaction", err)
		}
		if err = fn(tx); err == nil {
			err = tx.Commit()
		}
		var pgErr *pgconn.PgError
		if errors.As(errorCause(err), &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "40" {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				tx = nil
				return NewStorageTransientError("failed to roll back after serialization conflict", rbErr)
			}
			continue
		}
		return err
	}
	return err
}

// ExecuteInTxPgx is the same retry contract as ExecuteInTx, but surfaces a
// pgx.Tx to fn for callers that want pgx's richer row-scanning API.
func ExecuteInTxPgx(ctx context.Context, db *sql.DB, fn func(pgx.Tx) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return NewStorageTransientError("failed to acquire connection", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn interface{}) error {
		pgxConn := driverConn.(*stdlib.Conn).Conn()

		var tx pgx.Tx
		var err error
		defer func() {
			if tx != nil {
				_ = tx.Rollback(ctx)
			}
		}()

		for i := 0; i < 5; i++ {
			if tx, err = pgxConn.BeginTx(ctx, pgx.TxOptions{}); err != nil {
				tx = nil
				return NewStorageTransientError("failed to begin transaction", err)
			}
			if err = fn(tx); err == nil {
				err = tx.Commit(ctx)
			}
			var pgErr *pgconn.PgError
			if errors.As(errorCause(err), &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "40" {
				if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
					tx = nil
					return NewStorageTransientError("failed to roll back after serialization conflict", rbErr)
				}
				continue
			}
			return err
		}
		return err
	})
}

// classifyPgError maps a Postgres error to the §7 error taxonomy: connection
// and serialization-class failures are storage-transient (retryable), a
// unique-violation on a cursor or welcome row is a duplicate, anything else
// is a non-retryable serialization error so the caller still advances past
// it per §7's forward-progress rule.
func classifyPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(errorCause(err), &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return NewDuplicateError(op + ": " + pgErr.Message)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "40":
			return NewStorageTransientError(op, err)
		case pgErr.Code == pgerrcode.ConnectionException, pgErr.Code == pgerrcode.ConnectionDoesNotExist, pgErr.Code == pgerrcode.ConnectionFailure:
			return NewStorageTransientError(op, err)
		}
		return NewStorageSerializationError(op, err)
	}
	return NewStorageTransientError(op, err)
}
