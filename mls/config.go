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
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/edgemesh/mlsclient/flags"
)

// Config is the client library's runtime configuration.
type Config interface {
	GetDataDir() string
	GetInstallationID() string
	GetLog() *LogConfig
	GetSync() *SyncConfig
	GetRotation() *RotationConfig
	GetDatabase() *DatabaseConfig
}

// ParseArgs loads a config, optionally overridden by a YAML file passed as
// --config, then applies command-line flag overrides, following the
// teacher's ParseArgs/NewConfig split.
func ParseArgs(logger *zap.Logger, args []string) Config {
	cfg := NewConfig()

	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			data, err := os.ReadFile(args[i+1])
			if err != nil {
				logger.Error("could not read config file, using defaults", zap.Error(err))
				break
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				logger.Error("could not parse config file, using defaults", zap.Error(err))
			} else {
				cfg.ConfigPath = args[i+1]
			}
			break
		}
	}

	flagSet := flag.NewFlagSet("mlsclient", flag.ContinueOnError)
	fm := flags.NewFlagMakerFlagSet(&flags.FlagMakingOptions{
		UseLowerCase: true,
		Flatten:      false,
		TagName:      "yaml",
		TagUsage:     "usage",
	}, flagSet)

	if _, err := fm.ParseArgs(cfg, args); err != nil {
		logger.Error("could not parse command line arguments, ignoring overrides", zap.Error(err))
	}

	return cfg
}

type config struct {
	ConfigPath     string          `yaml:"config" usage:"absolute path to a YAML config file"`
	Datadir        string          `yaml:"data_dir" usage:"writeable folder for local mirror state and commit lock files"`
	InstallationID string          `yaml:"installation_id" usage:"this process's installation id"`
	Log            *LogConfig      `yaml:"log" usage:"log levels and output"`
	Sync           *SyncConfig     `yaml:"sync" usage:"sync orchestrator tuning"`
	Rotation       *RotationConfig `yaml:"rotation" usage:"key package rotation tuning"`
	Database       *DatabaseConfig `yaml:"database" usage:"Postgres storage backend tuning"`
}

// NewConfig constructs a Config with the library's defaults.
func NewConfig() *config {
	cwd, _ := os.Getwd()
	id, _ := uuid.NewV4()
	return &config{
		Datadir:        filepath.Join(cwd, "data"),
		InstallationID: id.String(),
		Log:            NewLogConfig(),
		Sync:           NewSyncConfig(),
		Rotation:       NewRotationConfig(),
		Database:       NewDatabaseConfig(),
	}
}

func (c *config) GetDataDir() string           { return c.Datadir }
func (c *config) GetInstallationID() string    { return c.InstallationID }
func (c *config) GetLog() *LogConfig           { return c.Log }
func (c *config) GetSync() *SyncConfig         { return c.Sync }
func (c *config) GetRotation() *RotationConfig { return c.Rotation }
func (c *config) GetDatabase() *DatabaseConfig { return c.Database }

// DatabaseConfig controls the Postgres storage backend's connection pool.
// Unused when the in-memory Storage backend is selected.
type DatabaseConfig struct {
	Address           string `yaml:"address" usage:"Postgres connection URL, e.g. postgres://user@host:5432/dbname"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" usage:"time in milliseconds to reuse a database connection before it is killed and replaced"`
	MaxOpenConns      int    `yaml:"max_open_conns" usage:"maximum number of allowed open connections to the database"`
	MaxIdleConns      int    `yaml:"max_idle_conns" usage:"maximum number of allowed open but unused connections to the database"`
}

// NewDatabaseConfig returns the library's Postgres connection pool defaults.
func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Address:           "postgres://root@localhost:5432/edgemesh",
		ConnMaxLifetimeMs: 60000,
		MaxOpenConns:      0,
		MaxIdleConns:      0,
	}
}

// LogConfig controls logging levels and output (§1.1 ambient stack).
type LogConfig struct {
	Verbose bool `yaml:"verbose" usage:"log Debug and higher; default is Info and higher"`
	Stdout  bool `yaml:"stdout" usage:"log only to stdout instead of a rotating file under data_dir/log"`
}

func NewLogConfig() *LogConfig { return &LogConfig{} }

// SyncConfig tunes the sync orchestrator (§4.I).
type SyncConfig struct {
	MaxConcurrentGroupSyncs int `yaml:"max_concurrent_group_syncs" usage:"bounded fan-out width for sync_all_welcomes_and_groups"`
}

func NewSyncConfig() *SyncConfig {
	return &SyncConfig{MaxConcurrentGroupSyncs: 10}
}

// RotationConfig tunes the key-package rotator (§4.G).
type RotationConfig struct {
	Interval time.Duration `yaml:"interval" usage:"how often the rotation worker wakes to check for due rotations"`
	Overlap  time.Duration `yaml:"overlap" usage:"how long a rotated-out key package must still decrypt in-flight welcomes"`
}

func NewRotationConfig() *RotationConfig {
	return &RotationConfig{
		Interval: 10 * time.Second,
		Overlap:  72 * time.Hour,
	}
}
