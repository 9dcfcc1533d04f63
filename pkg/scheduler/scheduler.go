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

package scheduler

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-co-op/gocron"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/catalog"
	"github.com/sid2001/FileVault/pkg/config"
	"github.com/sid2001/FileVault/pkg/contentstore"
	"github.com/sid2001/FileVault/pkg/sharing"
)

const (
	sweepTag = "sweep"
	purgeTag = "purge"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
	ReapStaging(ctx context.Context) (int, error)
}

type TombstonePurger interface {
	PurgeTombstones(ctx context.Context, before time.Time) (int64, error)
}

type LinkPurger interface {
	PurgeExpiredLinks(ctx context.Context) (int64, error)
	ExpirePublicGrants(ctx context.Context) (int64, error)
}

type SchedulerConfig struct {
	Log                logr.Logger
	Store              Sweeper
	Catalog            TombstonePurger
	Links              LinkPurger
	SweepCron          string
	PurgeCron          string
	TombstoneRetention time.Duration

	now func() time.Time

	mu sync.Mutex
	s  *gocron.Scheduler
}

func ProvideScheduler(
	cfg *config.Config,
	store *contentstore.Store,
	cat *catalog.Catalog,
	shares *sharing.Manager,
	log logr.Logger,
) *SchedulerConfig {
	return &SchedulerConfig{
		Log:                log.WithName("scheduler"),
		Store:              store,
		Catalog:            cat,
		Links:              shares,
		SweepCron:          cfg.GC.SweepCron,
		PurgeCron:          cfg.Catalog.PurgeCron,
		TombstoneRetention: cfg.Catalog.TombstoneRetention,
	}
}

// createScheduler returns a scheduler holding every configured job, or nil
// when nothing is scheduled.
func (sfg *SchedulerConfig) createScheduler(ctx context.Context) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	s.SetMaxConcurrentJobs(1, gocron.WaitMode)

	if sfg.SweepCron != "" {
		if err := sfg.createJob(ctx, s, sfg.SweepCron, sweepTag, sfg.sweep); err != nil {
			return nil, err
		}
	}

	if sfg.PurgeCron != "" {
		if err := sfg.createJob(ctx, s, sfg.PurgeCron, purgeTag, sfg.purge); err != nil {
			return nil, err
		}
	}

	if len(s.Jobs()) == 0 {
		return nil, nil
	}

	return s, nil
}

func (sfg *SchedulerConfig) createJob(ctx context.Context, s *gocron.Scheduler, expr, tag string, handler func(context.Context) error) error {
	_, err := s.Cron(expr).Tag(tag).Do(func() {
		if err := handler(ctx); err != nil {
			sfg.Log.Error(err, "job failed", "job", tag)
		}
	})
	if err != nil {
		return errors.WrapIfWithDetails(err, "failed to create job", "job", tag, "cron", expr)
	}
	return nil
}

// sweep removes unreferenced blobs past their grace period and abandoned
// staging files.
func (sfg *SchedulerConfig) sweep(ctx context.Context) error {
	start := time.Now()

	removed, sweepErr := sfg.Store.Sweep(ctx)
	reaped, reapErr := sfg.Store.ReapStaging(ctx)

	sfg.Log.Info("sweep finished", "blobs", removed, "staging", reaped, "took", time.Since(start))
	return errors.Combine(sweepErr, reapErr)
}

// purge hard deletes tombstoned records older than the retention window,
// drops expired download links and makes lapsed public shares private.
func (sfg *SchedulerConfig) purge(ctx context.Context) error {
	var purgeErr error
	var records int64

	if sfg.TombstoneRetention > 0 {
		before := sfg.clock().Add(-sfg.TombstoneRetention)
		records, purgeErr = sfg.Catalog.PurgeTombstones(ctx, before)
	}

	links, linkErr := sfg.Links.PurgeExpiredLinks(ctx)
	public, publicErr := sfg.Links.ExpirePublicGrants(ctx)

	sfg.Log.Info("purge finished", "records", records, "links", links, "publicShares", public)
	return errors.Combine(purgeErr, linkErr, publicErr)
}

func (sfg *SchedulerConfig) clock() time.Time {
	if sfg.now != nil {
		return sfg.now()
	}
	return time.Now().UTC()
}

// StartScheduler starts all configured jobs. Jobs run with ctx so
// cancelling it aborts a running sweep.
func (sfg *SchedulerConfig) StartScheduler(ctx context.Context) error {
	s, err := sfg.createScheduler(ctx)
	if err != nil {
		return err
	}

	if s == nil {
		sfg.Log.Info("no scheduler to start")
		return nil
	}

	sfg.mu.Lock()
	sfg.s = s
	sfg.mu.Unlock()

	sfg.Log.Info("starting scheduler", "jobs", len(s.Jobs()))
	s.StartAsync()
	return nil
}

// StopScheduler stops the scheduler and waits for running jobs.
func (sfg *SchedulerConfig) StopScheduler() {
	sfg.mu.Lock()
	s := sfg.s
	sfg.s = nil
	sfg.mu.Unlock()

	if s != nil {
		s.Stop()
		sfg.Log.Info("scheduler stopped")
	}
}

// Run starts the scheduler and blocks until ctx is done.
func (sfg *SchedulerConfig) Run(ctx context.Context) error {
	if err := sfg.StartScheduler(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sfg.StopScheduler()
	return nil
}

// RunOnce runs every job immediately, used by the sweep command.
func (sfg *SchedulerConfig) RunOnce(ctx context.Context) error {
	return errors.Combine(sfg.sweep(ctx), sfg.purge(ctx))
}
