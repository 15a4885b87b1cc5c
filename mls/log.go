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
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// By default, log Info and higher to a rotating file at <data_dir>/log/<installation_id>.log,
// JSON-encoded. If LogConfig.Verbose is set, log Debug and higher. If
// LogConfig.Stdout is set, logs go only to stdout.
type loggerEnabler struct {
	verbose bool
}

func (l *loggerEnabler) Enabled(level zapcore.Level) bool {
	return l.verbose || level > zapcore.DebugLevel
}

// NewLogger builds the library's structured logger per config, rotating the
// backing file with lumberjack instead of hand-rolled os.Create + size
// tracking.
func NewLogger(consoleLogger *zap.Logger, config Config) *zap.Logger {
	logCfg := config.GetLog()

	var core zapcore.Core
	enabler := &loggerEnabler{verbose: logCfg.Verbose}
	encoder := zapcore.NewJSONEncoder(encoderConfig())

	if logCfg.Stdout {
		core = zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), enabler)
	} else {
		logDir := filepath.Join(config.GetDataDir(), "log")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			consoleLogger.Fatal("could not create log directory", zap.Error(err))
			return nil
		}
		writer := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, config.GetInstallationID()+".log"),
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		core = zapcore.NewCore(encoder, zapcore.AddSync(writer), enabler)
	}

	logger := zap.New(core, zap.AddStacktrace(zap.ErrorLevel))
	return logger.With(zap.String("installation_id", config.GetInstallationID()))
}

// NewConsoleLogger is used before a full Config is available (startup errors, CLI tooling).
func NewConsoleLogger(output *os.File) *zap.Logger {
	encoder := zapcore.NewConsoleEncoder(encoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(output), &loggerEnabler{verbose: true})
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel))
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
