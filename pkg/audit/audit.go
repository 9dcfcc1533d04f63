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

// Package audit is an append-only log of user actions.
package audit

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

// DeletedFileName stands in for records that were deleted or purged.
const DeletedFileName = "File Deleted"

type Log struct {
	db  *gorm.DB
	log logr.Logger
}

func New(db *gorm.DB, log logr.Logger) *Log {
	return &Log{db: db, log: log.WithName("audit")}
}

type Filter struct {
	UserID string
	Action models.AuditAction
	FileID string
	Since  *time.Time
}

// Entry is an audit row with the file name resolved for display.
type Entry struct {
	models.AuditEntry
	FileName string
}

// Record appends one entry for actor.
func (l *Log) Record(ctx context.Context, actor models.Actor, action models.AuditAction, fileID *string) error {
	entry := &models.AuditEntry{
		UserID:    actor.UserID,
		Action:    action,
		FileID:    fileID,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return errors.WrapIfWithDetails(err, "failed to record audit entry", "action", action, "user", actor.UserID)
	}
	l.log.V(1).Info("audit", "action", action, "user", actor.UserID)
	return nil
}

// List returns matching entries newest first. File names resolve through
// tombstones so deleted files still read as deleted rather than missing.
func (l *Log) List(ctx context.Context, filter Filter, opts ...database.ListOption) ([]Entry, int64, error) {
	listOpts := database.NewListOptions(opts...)
	db := l.db.WithContext(ctx)

	query := db.Model(&models.AuditEntry{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.FileID != "" {
		query = query.Where("file_id = ?", filter.FileID)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, errors.WrapIf(err, "failed to count audit entries")
	}

	var rows []models.AuditEntry
	err := query.Scopes(listOpts.Scopes()...).
		Order("created_at desc").Order("id desc").
		Find(&rows).Error
	if err != nil {
		return nil, 0, errors.WrapIf(err, "failed to list audit entries")
	}

	ids := []string{}
	for _, r := range rows {
		if r.FileID != nil {
			ids = append(ids, *r.FileID)
		}
	}

	names := map[string]string{}
	if len(ids) > 0 {
		var files []models.FileRecord
		err := db.Unscoped().Select("id", "filename", "deleted_at").Where("id IN ?", ids).Find(&files).Error
		if err != nil {
			return nil, 0, errors.WrapIf(err, "failed to resolve audit files")
		}
		for _, f := range files {
			if !f.DeletedAt.Valid {
				names[f.ID] = f.Filename
			}
		}
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{AuditEntry: r}
		if r.FileID != nil {
			e.FileName = DeletedFileName
			if name, ok := names[*r.FileID]; ok {
				e.FileName = name
			}
		}
		entries = append(entries, e)
	}

	return entries, total, nil
}
