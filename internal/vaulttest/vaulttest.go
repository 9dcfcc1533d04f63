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

// Package vaulttest wires throwaway databases and loggers for package tests.
package vaulttest

import (
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/onsi/ginkgo/v2"
	"github.com/sid2001/FileVault/pkg/database"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

// Logger writes development output to the ginkgo writer so it only shows
// for failing specs.
func Logger() logr.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(ginkgo.GinkgoWriter),
		zapcore.Level(-2),
	)
	return zapr.NewLogger(zap.New(core))
}

// NewDB opens a migrated sqlite database in dir.
func NewDB(dir string) (*gorm.DB, error) {
	db, err := database.Open(database.Config{
		Path: filepath.Join(dir, "vault.db"),
		Log:  Logger(),
	})
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(db); err != nil {
		database.Close(db)
		return nil, err
	}

	return db, nil
}
