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

package cmd

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/edgemesh/mlsclient/mls"

	"go.uber.org/zap"
)

// DoctorParse connects to the configured database and reports its schema
// health, the database-facing analogue of the teacher's HTTP doctor command
// that polled a running node's /v0/info and /v0/config endpoints.
func DoctorParse(args []string, logger *zap.Logger) {
	var dbAddress string
	flags := flag.NewFlagSet("doctor", flag.ExitOnError)
	flags.StringVar(&dbAddress, "database.address", "root@localhost:5432/edgemesh", "address of the Postgres server to check")
	if err := flags.Parse(args); err != nil {
		logger.Fatal("could not parse doctor flags")
	}

	cfg := mls.NewDatabaseConfig()
	cfg.Address = dbAddress

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := mls.DbConnect(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("database is unreachable", zap.Error(err))
	}
	defer db.Close()

	var dbVersion string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&dbVersion); err != nil {
		logger.Fatal("could not query database version", zap.Error(err))
	}
	logger.Info("database reachable", zap.String("version", dbVersion))

	counts := map[string]string{
		"groups":  "",
		"intents": "",
		"cursors": "",
	}
	for table := range counts {
		var n int64
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
			logger.Warn("could not count table, schema may be missing", zap.String("table", table), zap.Error(err))
			continue
		}
		logger.Info("table row count", zap.String("table", table), zap.Int64("rows", n))
	}

	os.Exit(0)
}
