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

// Package sharing decides who besides the owner may read a file.
package sharing

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/config"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

type Manager struct {
	db      *gorm.DB
	linkTTL time.Duration
	log     logr.Logger
	now     func() time.Time
}

func New(db *gorm.DB, linkTTL time.Duration, log logr.Logger) *Manager {
	if linkTTL <= 0 {
		linkTTL = time.Hour
	}
	return &Manager{
		db:      db,
		linkTTL: linkTTL,
		log:     log.WithName("sharing"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func ProvideManager(db *gorm.DB, cfg *config.Config, log logr.Logger) *Manager {
	return New(db, cfg.Sharing.DownloadLinkTTL, log)
}

type ShareRequest struct {
	FileID       string
	ShareType    models.ShareType
	TargetUserID *string
	ExpiresAt    *time.Time
}

// SharedFile pairs a grant with the live record it covers.
type SharedFile struct {
	Grant models.ShareGrant
	File  models.FileRecord
}

// Share grants access to a file. PUBLIC opens it to everyone, PRIVATE
// revokes every grant, and USER_SPECIFIC names one other existing user.
// Re-sharing with the same target updates the expiry in place.
func (m *Manager) Share(ctx context.Context, actor models.Actor, req ShareRequest) (*models.ShareGrant, error) {
	if !req.ShareType.Valid() {
		return nil, errs.Invalid("unknown share type", "type", req.ShareType)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(m.now()) {
		return nil, errs.Invalid("expiry must be in the future", "expiresAt", req.ExpiresAt)
	}

	var grant *models.ShareGrant
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := liveFile(tx, req.FileID)
		if err != nil {
			return err
		}
		if !actor.Owns(file.OwnerID) {
			return errs.Forbidden("only the owner may share a file", "file", req.FileID, "user", actor.UserID)
		}

		var expires *time.Time
		if req.ExpiresAt != nil {
			t := req.ExpiresAt.UTC()
			expires = &t
		}

		switch req.ShareType {
		case models.SharePublic:
			grant, err = upsertGrant(tx, file, models.SharePublic, nil, expires)
			if err != nil {
				return err
			}
			return setPublic(tx, file.ID, true)

		case models.SharePrivate:
			if err := tx.Where("file_id = ?", file.ID).Delete(&models.ShareGrant{}).Error; err != nil {
				return errors.WrapIfWithDetails(err, "failed to revoke grants", "file", file.ID)
			}
			if err := setPublic(tx, file.ID, false); err != nil {
				return err
			}
			grant = &models.ShareGrant{FileID: file.ID, OwnerID: file.OwnerID, ShareType: models.SharePrivate}
			return errors.WrapIf(tx.Create(grant).Error, "failed to record private grant")

		default:
			if req.TargetUserID == nil || *req.TargetUserID == "" {
				return errors.WithDetails(errs.ErrInvalidTarget, "reason", "target user is required")
			}
			if *req.TargetUserID == file.OwnerID {
				return errors.WithDetails(errs.ErrInvalidTarget, "reason", "cannot share with the owner")
			}
			var users int64
			if err := tx.Model(&models.User{}).Where("id = ?", *req.TargetUserID).Count(&users).Error; err != nil {
				return errors.WrapIf(err, "failed to look up target user")
			}
			if users == 0 {
				return errors.WithDetails(errs.ErrInvalidTarget, "reason", "unknown user", "user", *req.TargetUserID)
			}

			grant, err = upsertGrant(tx, file, models.ShareUserSpecific, req.TargetUserID, expires)
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	m.log.V(1).Info("shared file", "file", req.FileID, "type", req.ShareType)
	return grant, nil
}

// Unshare removes the grants on a file, or only the one naming target when
// it is set. Removing the PUBLIC grant makes the file private again.
func (m *Manager) Unshare(ctx context.Context, actor models.Actor, fileID string, target *string) (int64, error) {
	var removed int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := liveFile(tx, fileID)
		if err != nil {
			return err
		}
		if !actor.Owns(file.OwnerID) {
			return errs.Forbidden("only the owner may unshare a file", "file", fileID, "user", actor.UserID)
		}

		query := tx.Where("file_id = ?", fileID)
		if target != nil {
			query = query.Where("share_type = ? AND shared_with_user_id = ?", models.ShareUserSpecific, *target)
		}

		result := query.Delete(&models.ShareGrant{})
		if result.Error != nil {
			return errors.WrapIfWithDetails(result.Error, "failed to remove grants", "file", fileID)
		}
		removed = result.RowsAffected

		if target == nil && file.IsPublic {
			return setPublic(tx, fileID, false)
		}
		return nil
	})
	return removed, err
}

// CanAccess reports whether userID may read fileID: the owner, anyone for a
// public file, or a user named by an unexpired grant. Expiry is evaluated
// now rather than when the grant was written.
func (m *Manager) CanAccess(ctx context.Context, fileID, userID string) (bool, error) {
	db := m.db.WithContext(ctx)
	file, err := liveFile(db, fileID)
	if err != nil {
		return false, err
	}
	return m.canAccess(db, file, userID)
}

func (m *Manager) canAccess(db *gorm.DB, file *models.FileRecord, userID string) (bool, error) {
	if userID != "" && file.OwnerID == userID {
		return true, nil
	}

	var grants []models.ShareGrant
	err := db.Where("file_id = ? AND share_type IN ?", file.ID, []models.ShareType{models.SharePublic, models.ShareUserSpecific}).
		Find(&grants).Error
	if err != nil {
		return false, errors.WrapIfWithDetails(err, "failed to load grants", "file", file.ID)
	}

	now := m.now()
	publicGrant, lapsed := false, false
	for i := range grants {
		g := &grants[i]
		switch g.ShareType {
		case models.SharePublic:
			publicGrant = true
			if g.Active(now) {
				return true, nil
			}
			lapsed = true
		case models.ShareUserSpecific:
			if userID != "" && g.SharedWithUserID != nil && *g.SharedWithUserID == userID && g.Active(now) {
				return true, nil
			}
		}
	}

	if lapsed && file.IsPublic {
		err := db.Transaction(func(tx *gorm.DB) error {
			_, err := expirePublic(tx, now, file.ID)
			return err
		})
		if err != nil {
			return false, err
		}
		file.IsPublic = false
	}

	// records flagged public without a grant row predate grant mirroring
	return file.IsPublic && !publicGrant, nil
}

// ExpirePublicGrants drops PUBLIC grants past their expiry and clears the
// public flag on the files they covered.
func (m *Manager) ExpirePublicGrants(ctx context.Context) (int64, error) {
	var expired int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		expired, err = expirePublic(tx, m.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		m.log.Info("expired public shares", "count", expired)
	}
	return expired, nil
}

// expirePublic removes lapsed PUBLIC grants, limited to fileIDs when given,
// and marks their files private.
func expirePublic(db *gorm.DB, now time.Time, fileIDs ...string) (int64, error) {
	query := db.Model(&models.ShareGrant{}).
		Where("share_type = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.SharePublic, now)
	if len(fileIDs) > 0 {
		query = query.Where("file_id IN ?", fileIDs)
	}

	var ids []string
	if err := query.Distinct().Pluck("file_id", &ids).Error; err != nil {
		return 0, errors.WrapIf(err, "failed to find expired public grants")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := db.Where("share_type = ? AND expires_at IS NOT NULL AND expires_at <= ? AND file_id IN ?", models.SharePublic, now, ids).
		Delete(&models.ShareGrant{})
	if result.Error != nil {
		return 0, errors.WrapIf(result.Error, "failed to drop expired public grants")
	}

	err := db.Model(&models.FileRecord{}).Where("id IN ?", ids).Update("is_public", false).Error
	if err != nil {
		return 0, errors.WrapIf(err, "failed to clear public flag")
	}
	return result.RowsAffected, nil
}

// ListMyShares lists the live grants userID has handed out, newest first.
func (m *Manager) ListMyShares(ctx context.Context, userID string) ([]SharedFile, error) {
	return m.listShares(ctx, "share_grants.owner_id = ?", userID)
}

// ListSharedWithMe lists files other users shared with userID directly.
func (m *Manager) ListSharedWithMe(ctx context.Context, userID string) ([]SharedFile, error) {
	return m.listShares(ctx, "share_grants.share_type = 'USER_SPECIFIC' AND share_grants.shared_with_user_id = ?", userID)
}

func (m *Manager) listShares(ctx context.Context, where string, userID string) ([]SharedFile, error) {
	db := m.db.WithContext(ctx)

	var grants []models.ShareGrant
	err := db.Model(&models.ShareGrant{}).
		Joins("JOIN file_records ON file_records.id = share_grants.file_id AND file_records.deleted_at IS NULL").
		Where(where, userID).
		Where("share_grants.share_type <> ?", models.SharePrivate).
		Where("(share_grants.expires_at IS NULL OR share_grants.expires_at > ?)", m.now()).
		Order("share_grants.created_at desc").Order("share_grants.id desc").
		Find(&grants).Error
	if err != nil {
		return nil, errors.WrapIf(err, "failed to list shares")
	}
	if len(grants) == 0 {
		return []SharedFile{}, nil
	}

	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.FileID)
	}

	var files []models.FileRecord
	if err := db.Preload("Content").Preload("Tags").Where("id IN ?", ids).Find(&files).Error; err != nil {
		return nil, errors.WrapIf(err, "failed to load shared files")
	}
	byID := make(map[string]models.FileRecord, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}

	out := make([]SharedFile, 0, len(grants))
	for _, g := range grants {
		if f, ok := byID[g.FileID]; ok {
			out = append(out, SharedFile{Grant: g, File: f})
		}
	}
	return out, nil
}

func liveFile(db *gorm.DB, fileID string) (*models.FileRecord, error) {
	file := &models.FileRecord{}
	err := db.Where("id = ?", fileID).Take(file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("file", fileID)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load file", "file", fileID)
	}
	return file, nil
}

func setPublic(tx *gorm.DB, fileID string, public bool) error {
	err := tx.Model(&models.FileRecord{}).Where("id = ?", fileID).Update("is_public", public).Error
	return errors.WrapIfWithDetails(err, "failed to update visibility", "file", fileID)
}

func upsertGrant(tx *gorm.DB, file *models.FileRecord, shareType models.ShareType, target *string, expires *time.Time) (*models.ShareGrant, error) {
	query := tx.Where("file_id = ? AND share_type = ?", file.ID, shareType)
	if target != nil {
		query = query.Where("shared_with_user_id = ?", *target)
	}

	grant := &models.ShareGrant{}
	err := query.Take(grant).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		grant = &models.ShareGrant{
			FileID:           file.ID,
			OwnerID:          file.OwnerID,
			ShareType:        shareType,
			SharedWithUserID: target,
			ExpiresAt:        expires,
		}
		if err := tx.Create(grant).Error; err != nil {
			return nil, errors.WrapIfWithDetails(err, "failed to create grant", "file", file.ID)
		}
		return grant, nil
	case err != nil:
		return nil, errors.WrapIfWithDetails(err, "failed to load grant", "file", file.ID)
	}

	if err := tx.Model(grant).Update("expires_at", expires).Error; err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to update grant", "file", file.ID)
	}
	grant.ExpiresAt = expires
	return grant, nil
}
