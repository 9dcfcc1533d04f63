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

package sharing

import (
	"context"

	"emperror.dev/errors"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

// IssueDownloadLink hands actor a ticket for fileID that expires after the
// configured TTL.
func (m *Manager) IssueDownloadLink(ctx context.Context, actor models.Actor, fileID string) (*models.DownloadLink, error) {
	ok, err := m.CanAccess(ctx, fileID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Forbidden("no access to file", "file", fileID, "user", actor.UserID)
	}

	link := &models.DownloadLink{
		UserID:    actor.UserID,
		FileID:    fileID,
		ExpiresAt: m.now().Add(m.linkTTL),
	}
	if err := m.db.WithContext(ctx).Create(link).Error; err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to create download link", "file", fileID)
	}
	return link, nil
}

// ResolveDownloadLink returns the link when it belongs to userID, has not
// expired, and userID can still read the file.
func (m *Manager) ResolveDownloadLink(ctx context.Context, linkID, userID string) (*models.DownloadLink, error) {
	link := &models.DownloadLink{}
	err := m.db.WithContext(ctx).Where("id = ?", linkID).Take(link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("download link", linkID)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load download link", "link", linkID)
	}

	if link.UserID != userID {
		return nil, errs.Forbidden("download link was issued to another user", "link", linkID)
	}
	if !m.now().Before(link.ExpiresAt) {
		return nil, errs.Forbidden("download link expired", "link", linkID, "expiredAt", link.ExpiresAt)
	}

	ok, err := m.CanAccess(ctx, link.FileID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Forbidden("no access to file", "file", link.FileID, "user", userID)
	}

	return link, nil
}

// PurgeExpiredLinks deletes links past their expiry.
func (m *Manager) PurgeExpiredLinks(ctx context.Context) (int64, error) {
	result := m.db.WithContext(ctx).Where("expires_at <= ?", m.now()).Delete(&models.DownloadLink{})
	if result.Error != nil {
		return 0, errors.WrapIf(result.Error, "failed to purge download links")
	}
	if result.RowsAffected > 0 {
		m.log.Info("purged expired download links", "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
