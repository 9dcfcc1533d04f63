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

package contentstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/avast/retry-go/v4"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/metrics"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

// Sweep removes blobs that have had no references for longer than the grace
// period. Phase one tombstones candidates; phase two deletes the bytes and
// then the row for every tombstoned blob, including ones left behind by an
// earlier failed sweep. Each blob is re-checked under its hash lock right
// before anything is removed. Backend failures are logged and the blob stays
// tombstoned for the next run.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	start := s.now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	cutoff := s.now().Add(-s.cfg.Grace)

	var candidates []string
	err := s.db.WithContext(ctx).Model(&models.ContentBlob{}).
		Where("reference_count = 0 AND zero_ref_since IS NOT NULL AND zero_ref_since <= ?", cutoff).
		Pluck("hash", &candidates).Error
	if err != nil {
		return 0, errors.WrapIf(err, "failed to find sweep candidates")
	}

	for _, hash := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.tombstone(ctx, hash, cutoff); err != nil {
			return 0, err
		}
	}

	var tombstoned []string
	err = s.db.WithContext(ctx).Unscoped().Model(&models.ContentBlob{}).
		Where("deleted_at IS NOT NULL").
		Pluck("hash", &tombstoned).Error
	if err != nil {
		return 0, errors.WrapIf(err, "failed to list tombstoned blobs")
	}

	removed := 0
	for _, hash := range tombstoned {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		ok, err := s.remove(ctx, hash)
		if err != nil {
			if errs.Retryable(err) {
				metrics.SweepErrors.Inc()
				s.log.Error(err, "failed to remove blob, will retry next sweep", "hash", hash)
				continue
			}
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		metrics.BlobsSwept.Add(float64(removed))
		s.log.Info("sweep removed blobs", "count", removed)
	}

	return removed, nil
}

func (s *Store) tombstone(ctx context.Context, hash string, cutoff time.Time) error {
	unlock := s.locks.Lock(hash)
	defer unlock()

	err := s.db.WithContext(ctx).Model(&models.ContentBlob{}).
		Where("hash = ? AND reference_count = 0 AND zero_ref_since IS NOT NULL AND zero_ref_since <= ?", hash, cutoff).
		UpdateColumn("deleted_at", s.now()).Error
	if err != nil {
		return errors.WrapIfWithDetails(err, "failed to tombstone blob", "hash", hash)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, hash string) (bool, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	blob := &models.ContentBlob{}
	err := s.db.WithContext(ctx).Unscoped().
		Where("hash = ? AND deleted_at IS NOT NULL AND reference_count = 0", hash).
		Take(blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// revived or already gone
		return false, nil
	}
	if err != nil {
		return false, errors.WrapIfWithDetails(err, "failed to re-check blob", "hash", hash)
	}

	err = retry.Do(
		func() error {
			ioCtx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
			defer cancel()
			return s.backend.Delete(ioCtx, blob.PhysicalPath)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.RetryIf(errs.Retryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return false, errs.IO(err, "delete blob bytes", "hash", hash)
	}

	err = s.db.WithContext(ctx).Unscoped().
		Where("hash = ? AND deleted_at IS NOT NULL AND reference_count = 0", hash).
		Delete(&models.ContentBlob{}).Error
	if err != nil {
		return false, errors.WrapIfWithDetails(err, "failed to delete blob row", "hash", hash)
	}

	s.log.V(1).Info("removed blob", "hash", hash)
	return true, nil
}

// ReapStaging deletes staging files older than the staging TTL. They are
// left behind by uploads that were aborted mid-stream or crashed.
func (s *Store) ReapStaging(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.cfg.StagingDir)
	if err != nil {
		return 0, errs.IO(err, "read staging dir", "dir", s.cfg.StagingDir)
	}

	cutoff := s.now().Add(-s.cfg.StagingTTL)
	removed := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), stagingPrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.cfg.StagingDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			s.log.Error(err, "failed to reap staging file", "file", entry.Name())
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.StagingReaped.Add(float64(removed))
		s.log.Info("reaped staging files", "count", removed)
	}

	return removed, nil
}
