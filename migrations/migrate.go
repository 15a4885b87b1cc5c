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

// Package migrations applies the Postgres schema backing mls.Storage's
// Postgres implementation, using the same up/down/redo/status command split
// the host binary's ancestor exposed for its own database.
package migrations

import (
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

//go:embed *.sql
var migrationFiles embed.FS

const (
	migrationTable = "mls_migration_info"
	// driverName is the database/sql driver registered by pgx/v4/stdlib.
	driverName = "pgx"
	// dialect is sql-migrate's own gorp dialect name, distinct from driverName.
	dialect      = "postgres"
	defaultLimit = -1
)

type statusRow struct {
	ID        string
	Migrated  bool
	AppliedAt time.Time
}

type migrationService struct {
	dbAddress  string
	limit      int
	logger     *zap.Logger
	migrations *migrate.EmbedFileSystemMigrationSource
	db         *sql.DB
}

// StartupCheck fails fast if the connected database's schema lags behind
// the migrations compiled into this binary, the same guard the teacher's
// StartupCheck performs before letting the server accept traffic.
func StartupCheck(logger *zap.Logger, db *sql.DB) {
	migrate.SetTable(migrationTable)

	ms := &migrate.EmbedFileSystemMigrationSource{FileSystem: migrationFiles, Root: "."}
	migrations, err := ms.FindMigrations()
	if err != nil {
		logger.Fatal("could not find migrations", zap.Error(err))
	}
	records, err := migrate.GetMigrationRecords(db, dialect)
	if err != nil {
		logger.Fatal("could not get migration records, run `migrate up`", zap.Error(err))
	}

	diff := len(migrations) - len(records)
	if diff > 0 {
		logger.Fatal("db schema outdated, run `migrate up`", zap.Int("migrations", diff))
	}
	if diff < 0 {
		logger.Warn("db schema newer than this binary's migrations", zap.Int64("migrations", int64(math.Abs(float64(diff)))))
	}
}

// Parse runs a migrate subcommand (up, down, redo, status) against the
// database named in its own flag set, mirroring the teacher's migrate.Parse
// entrypoint used by the host binary's `migrate` subcommand.
func Parse(args []string, logger *zap.Logger) {
	if len(args) == 0 {
		logger.Fatal("migrate requires a subcommand: up, down, redo, or status")
	}

	migrate.SetTable(migrationTable)
	ms := &migrationService{
		logger:     logger,
		migrations: &migrate.EmbedFileSystemMigrationSource{FileSystem: migrationFiles, Root: "."},
	}

	var exec func()
	switch args[0] {
	case "up":
		exec = ms.up
	case "down":
		exec = ms.down
	case "redo":
		exec = ms.redo
	case "status":
		exec = ms.status
	default:
		logger.Fatal("unrecognized migrate subcommand: up, down, redo, or status")
	}

	ms.parseSubcommand(args[1:])

	rawurl := fmt.Sprintf("postgresql://%s?sslmode=disable", ms.dbAddress)
	parsed, err := url.Parse(rawurl)
	if err != nil {
		logger.Fatal("bad connection url", zap.Error(err))
	}

	dbname := "edgemesh"
	if len(parsed.Path) > 1 {
		dbname = parsed.Path[1:]
	}

	logger.Info("database connection", zap.String("dsn", ms.dbAddress))

	parsed.Path = ""
	db, err := sql.Open(driverName, parsed.String())
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if err = db.Ping(); err != nil {
		logger.Fatal("error pinging database", zap.Error(err))
	}

	var exists bool
	err = db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbname).Scan(&exists)
start:
	switch {
	case err != nil:
		logger.Fatal("database query failed", zap.Error(err))
	case !exists:
		_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", dbname))
		exists = err == nil
		goto start
	case exists:
		logger.Info("using existing database", zap.String("name", dbname))
	}
	db.Close()

	parsed.Path = fmt.Sprintf("/%s", dbname)
	db, err = sql.Open(driverName, parsed.String())
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if err = db.Ping(); err != nil {
		logger.Fatal("error pinging database", zap.Error(err))
	}
	ms.db = db

	exec()
	os.Exit(0)
}

func (ms *migrationService) up() {
	if ms.limit < defaultLimit {
		ms.limit = 0
	}
	applied, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Up, ms.limit)
	if err != nil {
		ms.logger.Fatal("failed to apply migrations", zap.Int("count", applied), zap.Error(err))
	}
	ms.logger.Info("successfully applied migrations", zap.Int("count", applied))
}

func (ms *migrationService) down() {
	if ms.limit < defaultLimit {
		ms.limit = 1
	}
	applied, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Down, ms.limit)
	if err != nil {
		ms.logger.Fatal("failed to migrate back", zap.Int("count", applied), zap.Error(err))
	}
	ms.logger.Info("successfully migrated back", zap.Int("count", applied))
}

func (ms *migrationService) redo() {
	if ms.limit > defaultLimit {
		ms.logger.Warn("limit is ignored when redo is invoked")
	}
	applied, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Down, 1)
	if err != nil {
		ms.logger.Fatal("failed to migrate back", zap.Int("count", applied), zap.Error(err))
	}
	ms.logger.Info("successfully migrated back", zap.Int("count", applied))

	applied, err = migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Up, 1)
	if err != nil {
		ms.logger.Fatal("failed to apply migrations", zap.Int("count", applied), zap.Error(err))
	}
	ms.logger.Info("successfully applied migrations", zap.Int("count", applied))
}

func (ms *migrationService) status() {
	if ms.limit > defaultLimit {
		ms.logger.Warn("limit is ignored when status is invoked")
	}

	migrations, err := ms.migrations.FindMigrations()
	if err != nil {
		ms.logger.Fatal("could not find migrations", zap.Error(err))
	}
	records, err := migrate.GetMigrationRecords(ms.db, dialect)
	if err != nil {
		ms.logger.Fatal("could not get migration records", zap.Error(err))
	}

	rows := make(map[string]*statusRow)
	for _, m := range migrations {
		rows[m.Id] = &statusRow{ID: m.Id}
	}
	for _, r := range records {
		rows[r.Id].Migrated = true
		rows[r.Id].AppliedAt = r.AppliedAt
	}

	for _, m := range migrations {
		if rows[m.Id].Migrated {
			ms.logger.Info(m.Id, zap.String("applied", rows[m.Id].AppliedAt.Format(time.RFC822Z)))
		} else {
			ms.logger.Info(m.Id, zap.String("applied", ""))
		}
	}
}

func (ms *migrationService) parseSubcommand(args []string) {
	flags := flag.NewFlagSet("migrate", flag.ExitOnError)
	flags.StringVar(&ms.dbAddress, "database.address", "root@localhost:5432/edgemesh", "address of the Postgres server (username:password@address:port/dbname)")
	flags.IntVar(&ms.limit, "limit", defaultLimit, "number of migrations to apply forwards or backwards")

	if err := flags.Parse(args); err != nil {
		ms.logger.Fatal("could not parse migration flags")
	}
	if ms.dbAddress == "" {
		ms.logger.Fatal("database connection details are required")
	}
}
