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

package main

import (
	"context"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/internal/server"
	"github.com/sid2001/FileVault/pkg/config"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/scheduler"
	"github.com/sid2001/FileVault/pkg/utils/logger"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// App is everything the serve command runs.
type App struct {
	Config    *config.Config
	Log       logr.Logger
	DB        *gorm.DB
	HTTP      *server.HTTPServer
	Health    *server.HealthServer
	Scheduler *scheduler.SchedulerConfig
}

// Maintenance is the subset used by one-shot commands.
type Maintenance struct {
	Log       logr.Logger
	DB        *gorm.DB
	Scheduler *scheduler.SchedulerConfig
}

func ProvideLogger(cfg *config.Config) (logr.Logger, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return logr.Discard(), err
	}
	return log.WithName("filevault"), nil
}

// ProvideDB opens the database. The cleanup closes it.
func ProvideDB(cfg *config.Config, log logr.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(database.Config{
		Path:    cfg.Database.Path,
		Verbose: cfg.Log.Level == "trace",
		Log:     log,
	})
	if err != nil {
		return nil, nil, err
	}

	return db, func() {
		if err := database.Close(db); err != nil {
			log.Error(err, "failed to close database")
		}
	}, nil
}

// Run migrates the schema and runs every server until ctx is cancelled or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := database.Migrate(a.DB); err != nil {
		return errors.WrapIf(err, "failed to migrate database")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.HTTP.Run(ctx) })
	g.Go(func() error { return a.Health.Run(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })

	a.Log.Info("filevault started",
		"address", a.Config.Server.Address,
		"healthAddress", a.Config.Server.HealthAddress,
		"storage", a.Config.Storage.Type,
	)

	return g.Wait()
}
