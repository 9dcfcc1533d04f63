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

// Package quota charges users for the logical size of their files.
package quota

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/config"
	"github.com/sid2001/FileVault/pkg/contentstore"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/metrics"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PhysicalUsage reports the bytes actually held by the blob store.
type PhysicalUsage interface {
	PhysicalUsage(ctx context.Context) (bytes int64, blobs int64, err error)
}

type Ledger struct {
	db           *gorm.DB
	physical     PhysicalUsage
	defaultQuota int64
	log          logr.Logger
}

func New(db *gorm.DB, physical PhysicalUsage, defaultQuota int64, log logr.Logger) *Ledger {
	return &Ledger{
		db:           db,
		physical:     physical,
		defaultQuota: defaultQuota,
		log:          log.WithName("quota"),
	}
}

func ProvideLedger(db *gorm.DB, store *contentstore.Store, cfg *config.Config, log logr.Logger) *Ledger {
	return New(db, store, cfg.Quota.DefaultBytes, log)
}

type UserStats struct {
	UsedBytes  int64 `json:"usedBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
	FileCount  int64 `json:"fileCount"`
}

type AggregateStats struct {
	TotalLogical    int64   `json:"totalLogicalBytes"`
	TotalPhysical   int64   `json:"totalPhysicalBytes"`
	SavedBytes      int64   `json:"savedBytes"`
	SavedPercentage float64 `json:"savedPercentage"`
	UserCount       int64   `json:"userCount"`
	FileCount       int64   `json:"fileCount"`
	BlobCount       int64   `json:"blobCount"`
}

// Open creates the account for userID inside tx. A non-positive quota
// falls back to the configured default.
func (l *Ledger) Open(tx *gorm.DB, userID string, quota int64) error {
	if quota <= 0 {
		quota = l.defaultQuota
	}

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.QuotaAccount{
		UserID:     userID,
		QuotaBytes: quota,
	})
	if result.Error != nil {
		return errors.WrapIfWithDetails(result.Error, "failed to open quota account", "user", userID)
	}
	if result.RowsAffected == 0 {
		return errors.WithDetails(errs.ErrConflict, "reason", "quota account exists", "user", userID)
	}
	return nil
}

// Reserve charges n bytes to userID in a single conditional update, so
// concurrent reservations can never push usage past the quota.
func (l *Ledger) Reserve(ctx context.Context, userID string, n int64) error {
	if n < 0 {
		return errs.Invalid("negative reservation", "bytes", n)
	}

	result := l.db.WithContext(ctx).Model(&models.QuotaAccount{}).
		Where("user_id = ? AND used_bytes + ? <= quota_bytes", userID, n).
		UpdateColumns(map[string]interface{}{
			"used_bytes": gorm.Expr("used_bytes + ?", n),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return errors.WrapIfWithDetails(result.Error, "failed to reserve quota", "user", userID)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	account, err := l.Get(ctx, userID)
	if err != nil {
		return err
	}

	metrics.QuotaRejections.Inc()
	return errors.WithDetails(errs.ErrQuotaExceeded,
		"user", userID,
		"requested", n,
		"used", account.UsedBytes,
		"quota", account.QuotaBytes,
	)
}

// Release returns n bytes to userID.
func (l *Ledger) Release(ctx context.Context, userID string, n int64) error {
	return l.ReleaseTx(l.db.WithContext(ctx), userID, n)
}

// ReleaseTx returns n bytes to userID inside tx. Usage never drops below zero.
func (l *Ledger) ReleaseTx(tx *gorm.DB, userID string, n int64) error {
	if n < 0 {
		return errs.Invalid("negative release", "bytes", n)
	}

	result := tx.Model(&models.QuotaAccount{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"used_bytes": gorm.Expr("CASE WHEN used_bytes >= ? THEN used_bytes - ? ELSE 0 END", n, n),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return errors.WrapIfWithDetails(result.Error, "failed to release quota", "user", userID)
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("quota account", userID)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, userID string) (*models.QuotaAccount, error) {
	account := &models.QuotaAccount{}
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Take(account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("quota account", userID)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load quota account", "user", userID)
	}
	return account, nil
}

// SetQuota changes the limit for userID. Lowering it below current usage is
// allowed; later reservations fail until usage drops.
func (l *Ledger) SetQuota(ctx context.Context, userID string, quota int64) (*models.QuotaAccount, error) {
	if quota <= 0 {
		return nil, errs.Invalid("quota must be positive", "quota", quota)
	}

	result := l.db.WithContext(ctx).Model(&models.QuotaAccount{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"quota_bytes": quota,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, errors.WrapIfWithDetails(result.Error, "failed to set quota", "user", userID)
	}
	if result.RowsAffected == 0 {
		return nil, errs.NotFound("quota account", userID)
	}

	l.log.Info("quota updated", "user", userID, "quota", quota)
	return l.Get(ctx, userID)
}

func (l *Ledger) Stats(ctx context.Context, userID string) (*UserStats, error) {
	account, err := l.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	var files int64
	err = l.db.WithContext(ctx).Model(&models.FileRecord{}).Where("owner_id = ?", userID).Count(&files).Error
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to count files", "user", userID)
	}

	return &UserStats{
		UsedBytes:  account.UsedBytes,
		QuotaBytes: account.QuotaBytes,
		FileCount:  files,
	}, nil
}

// AggregateStats compares logical bytes across all live records with the
// physical bytes the blob store holds for them.
func (l *Ledger) AggregateStats(ctx context.Context) (*AggregateStats, error) {
	stats := &AggregateStats{}
	db := l.db.WithContext(ctx)

	logical := struct {
		Bytes int64
		Files int64
	}{}
	err := db.Model(&models.FileRecord{}).
		Select("COALESCE(SUM(content_blobs.size), 0) AS bytes, COUNT(*) AS files").
		Joins("JOIN content_blobs ON content_blobs.hash = file_records.content_hash").
		Scan(&logical).Error
	if err != nil {
		return nil, errors.WrapIf(err, "failed to sum logical usage")
	}
	stats.TotalLogical = logical.Bytes
	stats.FileCount = logical.Files

	if err := db.Model(&models.User{}).Count(&stats.UserCount).Error; err != nil {
		return nil, errors.WrapIf(err, "failed to count users")
	}

	stats.TotalPhysical, stats.BlobCount, err = l.physical.PhysicalUsage(ctx)
	if err != nil {
		return nil, err
	}

	if saved := stats.TotalLogical - stats.TotalPhysical; saved > 0 {
		stats.SavedBytes = saved
	}
	if stats.TotalLogical > 0 {
		stats.SavedPercentage = float64(stats.SavedBytes) / float64(stats.TotalLogical) * 100
	}

	return stats, nil
}
