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

package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Config struct {
	Path    string
	Verbose bool
	Log     logr.Logger
}

// Open connects to the sqlite database at cfg.Path. A single connection is
// kept open so writers serialize inside sqlite instead of failing with
// SQLITE_BUSY.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, errors.WrapIfWithDetails(err, "can't create database dir", "path", cfg.Path)
		}
	}

	level := gormlogger.Warn
	if cfg.Verbose {
		level = gormlogger.Info
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		// file records outlive their blobs as tombstones
		DisableForeignKeyConstraintWhenMigrating: true,
		// timestamps compare as text in sqlite, keep them in one zone
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.New(logWriter{log: cfg.Log.WithName("gorm")}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to open database", "path", cfg.Path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapIf(err, "failed to get sql db")
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type logWriter struct {
	log logr.Logger
}

func (w logWriter) Printf(format string, args ...interface{}) {
	w.log.Info(fmt.Sprintf(format, args...))
}
