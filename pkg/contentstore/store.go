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

// Package contentstore keeps one physical blob per unique sha256 and
// tracks how many file records point at it.
package contentstore

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"emperror.dev/errors"
	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/blobstore"
	"github.com/sid2001/FileVault/pkg/config"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

type Config struct {
	StagingDir string
	ChunkSize  int
	IOTimeout  time.Duration
	// Grace is how long a blob must sit at zero references before the sweep
	// may remove it.
	Grace      time.Duration
	StagingTTL time.Duration
}

type Store struct {
	db      *gorm.DB
	backend blobstore.Backend
	cfg     Config
	log     logr.Logger
	locks   *keyedMutex
	now     func() time.Time
}

func New(db *gorm.DB, backend blobstore.Backend, cfg Config, log logr.Logger) (*Store, error) {
	if cfg.StagingDir == "" {
		return nil, errors.New("staging dir is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(cfg.StagingDir, 0755); err != nil {
		return nil, errs.IO(err, "create staging dir", "dir", cfg.StagingDir)
	}

	return &Store{
		db:      db,
		backend: backend,
		cfg:     cfg,
		log:     log.WithName("contentstore"),
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func ProvideStore(db *gorm.DB, backend blobstore.Backend, cfg *config.Config, log logr.Logger) (*Store, error) {
	return New(db, backend, Config{
		StagingDir: cfg.Storage.StagingDir,
		ChunkSize:  cfg.Storage.ChunkSize,
		IOTimeout:  cfg.Storage.IOTimeout,
		Grace:      cfg.GC.Grace,
		StagingTTL: cfg.GC.StagingTTL,
	}, log)
}

// BlobPath is the content addressed location of hash: ab/cd/<hash>.
func BlobPath(hash string) string {
	if len(hash) < 4 {
		return hash
	}
	return path.Join(hash[0:2], hash[2:4], hash)
}

// Get returns the live blob for hash.
func (s *Store) Get(ctx context.Context, hash string) (*models.ContentBlob, error) {
	blob := &models.ContentBlob{}
	err := s.db.WithContext(ctx).Where("hash = ?", hash).Take(blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("blob", hash)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load blob", "hash", hash)
	}
	return blob, nil
}

// Open returns the blob row and a reader over its bytes. Transient backend
// failures are retried.
func (s *Store) Open(ctx context.Context, hash string) (*models.ContentBlob, io.ReadCloser, error) {
	blob, err := s.Get(ctx, hash)
	if err != nil {
		return nil, nil, err
	}

	rc, err := retry.DoWithData(
		func() (io.ReadCloser, error) {
			ioCtx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
			defer cancel()
			return s.backend.Get(ioCtx, blob.PhysicalPath)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(errs.Retryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, nil, err
	}

	return blob, rc, nil
}

// ListDuplicates pages through blobs referenced by more than one record,
// most referenced first.
func (s *Store) ListDuplicates(ctx context.Context, limit, offset int) ([]models.ContentBlob, error) {
	var blobs []models.ContentBlob
	err := s.db.WithContext(ctx).
		Where("reference_count > 1").
		Order("reference_count desc").Order("hash").
		Limit(limit).Offset(offset).
		Find(&blobs).Error
	if err != nil {
		return nil, errors.WrapIf(err, "failed to list duplicates")
	}
	return blobs, nil
}

// PhysicalUsage sums the size of live blobs that are still referenced.
func (s *Store) PhysicalUsage(ctx context.Context) (bytes int64, blobs int64, err error) {
	row := struct {
		Bytes int64
		Blobs int64
	}{}
	err = s.db.WithContext(ctx).Model(&models.ContentBlob{}).
		Select("COALESCE(SUM(size), 0) AS bytes, COUNT(*) AS blobs").
		Where("reference_count > 0").
		Scan(&row).Error
	if err != nil {
		return 0, 0, errors.WrapIf(err, "failed to sum physical usage")
	}
	return row.Bytes, row.Blobs, nil
}
