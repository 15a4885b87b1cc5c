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

// Command edgemeshd is operational tooling for the mls client library: it
// provisions and migrates the Postgres storage backend and reports on its
// health. The library has no standalone "serve" mode; it is linked into a
// host application that supplies its own MLSProvider (the cryptographic
// engine) and MLSAPI (the network transport) and constructs an mls.Client
// directly. This binary only owns the concerns that exist independent of
// that engine and transport, namely the database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgemesh/mlsclient/cmd"
	"github.com/edgemesh/mlsclient/migrations"
	"github.com/edgemesh/mlsclient/mls"

	"go.uber.org/zap"
)

var (
	version  string
	commitID string
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	consoleLogger := mls.NewConsoleLogger(os.Stdout)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "doctor":
			cmd.DoctorParse(os.Args[2:], consoleLogger)
			return
		case "migrate":
			migrations.Parse(os.Args[2:], consoleLogger)
			return
		}
	}

	config := mls.ParseArgs(consoleLogger, os.Args[1:])
	logger := mls.NewLogger(consoleLogger, config)

	logger.Info("edgemesh storage node starting", zap.String("version", semver))
	logger.Info("data directory", zap.String("path", config.GetDataDir()))
	logger.Info("installation", zap.String("id", config.GetInstallationID()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := mls.DbConnect(ctx, logger, config.GetDatabase())
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrations.StartupCheck(logger, db)
	logger.Info("storage backend ready")

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	logger.Info("shutting down")
}
