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

// Package catalog holds the logical file records users see, their tags and
// the folder tree. Records point at content blobs by hash and never own
// bytes themselves.
package catalog

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Catalog struct {
	db  *gorm.DB
	log logr.Logger
	now func() time.Time
}

func New(db *gorm.DB, log logr.Logger) *Catalog {
	return &Catalog{
		db:  db,
		log: log.WithName("catalog"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	OwnerID     string
	ContentHash string
	Filename    string
	FolderID    *string
	IsPublic    bool
	Tags        []string
}

// Patch carries the mutable fields of a record; nil fields are left alone.
// MoveToRoot clears the folder and wins over FolderID.
type Patch struct {
	Filename   *string
	Tags       *[]string
	IsPublic   *bool
	FolderID   *string
	MoveToRoot bool
}

type Filter struct {
	OwnerID  string
	Search   string
	MimeType string
	SizeMin  *int64
	SizeMax  *int64
	DateFrom *time.Time
	DateTo   *time.Time
	FolderID *string
	RootOnly bool
	IsPublic *bool
	Tags     []string
}

// Create inserts a record inside tx. The caller is responsible for holding
// a reference on the blob.
func (c *Catalog) Create(tx *gorm.DB, req CreateRequest) (*models.FileRecord, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, errs.Invalid("filename is required")
	}
	if req.OwnerID == "" || req.ContentHash == "" {
		return nil, errs.Invalid("owner and content hash are required")
	}

	if req.FolderID != nil {
		if err := c.checkFolderUsable(tx, *req.FolderID, req.OwnerID); err != nil {
			return nil, err
		}
	}

	record := &models.FileRecord{
		OwnerID:     req.OwnerID,
		ContentHash: req.ContentHash,
		Filename:    SanitizeFilename(req.Filename),
		FolderID:    req.FolderID,
		IsPublic:    req.IsPublic,
	}
	for _, tag := range NormalizeTags(req.Tags) {
		record.Tags = append(record.Tags, models.FileTag{Tag: tag})
	}

	if err := tx.Omit("Content").Create(record).Error; err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to create file record", "owner", req.OwnerID)
	}

	if req.IsPublic {
		if err := mirrorPublic(tx, record, true, c.now()); err != nil {
			return nil, err
		}
	}

	return record, nil
}

func (c *Catalog) Get(ctx context.Context, fileID string) (*models.FileRecord, error) {
	return c.GetTx(c.db.WithContext(ctx), fileID)
}

// GetTx loads a live record with its blob and tags inside tx.
func (c *Catalog) GetTx(tx *gorm.DB, fileID string) (*models.FileRecord, error) {
	record := &models.FileRecord{}
	err := tx.Preload("Content").Preload("Tags").Where("id = ?", fileID).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("file", fileID)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load file", "file", fileID)
	}
	return record, nil
}

// GetUnscoped also returns tombstoned records.
func (c *Catalog) GetUnscoped(ctx context.Context, fileID string) (*models.FileRecord, error) {
	record := &models.FileRecord{}
	err := c.db.WithContext(ctx).Unscoped().Preload("Tags").Where("id = ?", fileID).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("file", fileID)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load file", "file", fileID)
	}
	return record, nil
}

// Update applies patch for the owner or an admin.
func (c *Catalog) Update(ctx context.Context, actor models.Actor, fileID string, patch Patch) (*models.FileRecord, error) {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := c.GetTx(tx, fileID)
		if err != nil {
			return err
		}
		if !actor.Owns(record.OwnerID) && !actor.IsAdmin() {
			return errs.Forbidden("only the owner may update a file", "file", fileID, "user", actor.UserID)
		}

		updates := map[string]interface{}{}

		if patch.Filename != nil {
			if strings.TrimSpace(*patch.Filename) == "" {
				return errs.Invalid("filename is required")
			}
			updates["filename"] = SanitizeFilename(*patch.Filename)
		}

		switch {
		case patch.MoveToRoot:
			updates["folder_id"] = nil
		case patch.FolderID != nil:
			if err := c.checkFolderUsable(tx, *patch.FolderID, record.OwnerID); err != nil {
				return err
			}
			updates["folder_id"] = *patch.FolderID
		}

		if patch.IsPublic != nil {
			if *patch.IsPublic != record.IsPublic {
				updates["is_public"] = *patch.IsPublic
			}
			if err := mirrorPublic(tx, record, *patch.IsPublic, c.now()); err != nil {
				return err
			}
		}

		if len(updates) > 0 {
			if err := tx.Model(record).Updates(updates).Error; err != nil {
				return errors.WrapIfWithDetails(err, "failed to update file", "file", fileID)
			}
		}

		if patch.Tags != nil {
			if err := replaceTags(tx, fileID, NormalizeTags(*patch.Tags)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return c.Get(ctx, fileID)
}

// Delete tombstones the record inside tx and drops its grants and links.
// The caller releases the blob reference and quota in the same tx.
func (c *Catalog) Delete(tx *gorm.DB, fileID string) (*models.FileRecord, error) {
	record, err := c.GetTx(tx, fileID)
	if err != nil {
		return nil, err
	}

	result := tx.Delete(&models.FileRecord{}, "id = ?", fileID)
	if result.Error != nil {
		return nil, errors.WrapIfWithDetails(result.Error, "failed to delete file", "file", fileID)
	}
	if result.RowsAffected == 0 {
		return nil, errs.NotFound("file", fileID)
	}

	if err := tx.Where("file_id = ?", fileID).Delete(&models.ShareGrant{}).Error; err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to drop share grants", "file", fileID)
	}
	if err := tx.Where("file_id = ?", fileID).Delete(&models.DownloadLink{}).Error; err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to drop download links", "file", fileID)
	}

	return record, nil
}

// IncrementDownloads bumps the download counter of a live record.
func (c *Catalog) IncrementDownloads(ctx context.Context, fileID string) error {
	result := c.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ?", fileID).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if result.Error != nil {
		return errors.WrapIfWithDetails(result.Error, "failed to count download", "file", fileID)
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("file", fileID)
	}
	return nil
}

// List returns one page of records matching filter, newest first, and the
// total number of matches. Tombstones are included only with
// database.ShowDeleted. Offset paging may skip or repeat rows when records
// change between pages.
func (c *Catalog) List(ctx context.Context, filter Filter, opts ...database.ListOption) ([]models.FileRecord, int64, error) {
	listOpts := database.NewListOptions(opts...)

	db := c.db.WithContext(ctx)
	if listOpts.ShowDeleted {
		db = db.Unscoped()
	}
	query := c.filtered(db, filter, listOpts.ShowDeleted)

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, errors.WrapIf(err, "failed to count files")
	}

	var records []models.FileRecord
	err := query.
		Preload("Content").Preload("Tags").
		Scopes(listOpts.Scopes()...).
		Order("file_records.created_at desc").Order("file_records.id desc").
		Find(&records).Error
	if err != nil {
		return nil, 0, errors.WrapIf(err, "failed to list files")
	}

	return records, total, nil
}

func (c *Catalog) filtered(db *gorm.DB, f Filter, tombstones bool) *gorm.DB {
	join := "JOIN content_blobs ON content_blobs.hash = file_records.content_hash"
	if tombstones {
		// the blob of a tombstone may already be swept
		join = "LEFT " + join
	}
	query := db.Model(&models.FileRecord{}).Joins(join)

	if f.OwnerID != "" {
		query = query.Where("file_records.owner_id = ?", f.OwnerID)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		query = query.Where("LOWER(file_records.filename) LIKE ? ESCAPE '\\'", "%"+escapeLike(strings.ToLower(s))+"%")
	}
	if m := strings.TrimSpace(f.MimeType); m != "" {
		query = query.Where("content_blobs.mime_type LIKE ? ESCAPE '\\'", escapeLike(strings.ToLower(m))+"%")
	}
	if f.SizeMin != nil {
		query = query.Where("content_blobs.size >= ?", *f.SizeMin)
	}
	if f.SizeMax != nil {
		query = query.Where("content_blobs.size <= ?", *f.SizeMax)
	}
	if f.DateFrom != nil {
		query = query.Where("file_records.created_at >= ?", f.DateFrom.UTC())
	}
	if f.DateTo != nil {
		query = query.Where("file_records.created_at <= ?", f.DateTo.UTC())
	}
	switch {
	case f.RootOnly:
		query = query.Where("file_records.folder_id IS NULL")
	case f.FolderID != nil:
		query = query.Where("file_records.folder_id = ?", *f.FolderID)
	}
	if f.IsPublic != nil {
		query = query.Where("file_records.is_public = ?", *f.IsPublic)
	}
	if tags := NormalizeTags(f.Tags); len(tags) > 0 {
		query = query.Where("file_records.id IN (?)",
			db.Model(&models.FileTag{}).Select("file_id").Where("tag IN ?", tags))
	}

	return query
}

// PurgeTombstones hard-deletes records tombstoned before the cutoff along
// with their tags.
func (c *Catalog) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	var purged int64

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Unscoped().Model(&models.FileRecord{}).
			Where("deleted_at IS NOT NULL AND deleted_at < ?", before.UTC()).
			Pluck("id", &ids).Error
		if err != nil {
			return errors.WrapIf(err, "failed to find tombstones")
		}
		if len(ids) == 0 {
			return nil
		}

		for start := 0; start < len(ids); start += 500 {
			end := start + 500
			if end > len(ids) {
				end = len(ids)
			}
			batch := ids[start:end]

			if err := tx.Where("file_id IN ?", batch).Delete(&models.FileTag{}).Error; err != nil {
				return errors.WrapIf(err, "failed to purge tags")
			}
			result := tx.Unscoped().Where("id IN ?", batch).Delete(&models.FileRecord{})
			if result.Error != nil {
				return errors.WrapIf(result.Error, "failed to purge records")
			}
			purged += result.RowsAffected
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		c.log.Info("purged file tombstones", "count", purged, "before", before)
	}
	return purged, nil
}

func replaceTags(tx *gorm.DB, fileID string, tags []string) error {
	if err := tx.Where("file_id = ?", fileID).Delete(&models.FileTag{}).Error; err != nil {
		return errors.WrapIfWithDetails(err, "failed to clear tags", "file", fileID)
	}
	if len(tags) == 0 {
		return nil
	}

	rows := make([]models.FileTag, 0, len(tags))
	for _, tag := range tags {
		rows = append(rows, models.FileTag{FileID: fileID, Tag: tag})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return errors.WrapIfWithDetails(err, "failed to set tags", "file", fileID)
	}
	return nil
}

// mirrorPublic keeps the PUBLIC grant in step with the isPublic flag. A
// lapsed grant counts as absent and is replaced by an open-ended one.
func mirrorPublic(tx *gorm.DB, record *models.FileRecord, public bool, now time.Time) error {
	if !public {
		err := tx.Where("file_id = ? AND share_type = ?", record.ID, models.SharePublic).
			Delete(&models.ShareGrant{}).Error
		return errors.WrapIfWithDetails(err, "failed to drop public grant", "file", record.ID)
	}

	err := tx.Where("file_id = ? AND share_type = ? AND expires_at IS NOT NULL AND expires_at <= ?", record.ID, models.SharePublic, now).
		Delete(&models.ShareGrant{}).Error
	if err != nil {
		return errors.WrapIfWithDetails(err, "failed to drop lapsed public grant", "file", record.ID)
	}

	var count int64
	err = tx.Model(&models.ShareGrant{}).
		Where("file_id = ? AND share_type = ?", record.ID, models.SharePublic).
		Count(&count).Error
	if err != nil {
		return errors.WrapIfWithDetails(err, "failed to check public grant", "file", record.ID)
	}
	if count > 0 {
		return nil
	}

	err = tx.Create(&models.ShareGrant{
		FileID:    record.ID,
		OwnerID:   record.OwnerID,
		ShareType: models.SharePublic,
	}).Error
	return errors.WrapIfWithDetails(err, "failed to create public grant", "file", record.ID)
}
