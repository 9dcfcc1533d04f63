// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"strings"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	InfoLevel  = 0
	DebugLevel = 1
	TraceLevel = 2
)

type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// New builds a zap backed logr.Logger. Level accepts error, info, debug or trace.
func New(cfg Config) (logr.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	zapLog, err := zc.Build()
	if err != nil {
		return logr.Discard(), errors.WrapIf(err, "failed to initialize zapr")
	}

	return zapr.NewLogger(zapLog), nil
}

// parseLevel maps logr verbosity onto zap levels; zapr logs V(n) at zap level -n.
func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.Level(-InfoLevel), nil
	case "debug":
		return zapcore.Level(-DebugLevel), nil
	case "trace":
		return zapcore.Level(-TraceLevel), nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errors.Errorf("unknown log level %q", level)
	}
}
