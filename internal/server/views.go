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

package server

import (
	"time"

	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/models"
	"github.com/sid2001/FileVault/pkg/sharing"
)

type ErrorView struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type FileView struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Filename      string     `json:"filename"`
	ContentHash   string     `json:"contentHash"`
	Size          int64      `json:"size"`
	MimeType      string     `json:"mimeType"`
	FolderID      *string    `json:"folderId,omitempty"`
	IsPublic      bool       `json:"isPublic"`
	DownloadCount int64      `json:"downloadCount"`
	Tags          []string   `json:"tags"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}

func newFileView(f *models.FileRecord) FileView {
	view := FileView{
		ID:            f.ID,
		OwnerID:       f.OwnerID,
		Filename:      f.Filename,
		ContentHash:   f.ContentHash,
		Size:          f.Content.Size,
		MimeType:      f.Content.MimeType,
		FolderID:      f.FolderID,
		IsPublic:      f.IsPublic,
		DownloadCount: f.DownloadCount,
		Tags:          f.TagNames(),
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
	if f.DeletedAt.Valid {
		view.DeletedAt = &f.DeletedAt.Time
	}
	return view
}

type UploadView struct {
	File         FileView `json:"file"`
	Deduplicated bool     `json:"deduplicated"`
}

type PageView struct {
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
}

type FileListView struct {
	Items []FileView `json:"items"`
	PageView
}

type GrantView struct {
	ID               string           `json:"id"`
	FileID           string           `json:"fileId"`
	OwnerID          string           `json:"ownerId"`
	ShareType        models.ShareType `json:"shareType"`
	SharedWithUserID *string          `json:"sharedWithUserId,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	ExpiresAt        *time.Time       `json:"expiresAt,omitempty"`
}

func newGrantView(g *models.ShareGrant) GrantView {
	return GrantView{
		ID:               g.ID,
		FileID:           g.FileID,
		OwnerID:          g.OwnerID,
		ShareType:        g.ShareType,
		SharedWithUserID: g.SharedWithUserID,
		CreatedAt:        g.CreatedAt,
		ExpiresAt:        g.ExpiresAt,
	}
}

type SharedFileView struct {
	Grant GrantView `json:"grant"`
	File  FileView  `json:"file"`
}

func newSharedFileViews(shared []sharing.SharedFile) []SharedFileView {
	views := make([]SharedFileView, 0, len(shared))
	for i := range shared {
		views = append(views, SharedFileView{
			Grant: newGrantView(&shared[i].Grant),
			File:  newFileView(&shared[i].File),
		})
	}
	return views
}

type UnshareView struct {
	Removed int64 `json:"removed"`
}

type LinkView struct {
	ID        string    `json:"id"`
	FileID    string    `json:"fileId"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type FolderView struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Name           string    `json:"name"`
	ParentFolderID *string   `json:"parentFolderId,omitempty"`
	IsPublic       bool      `json:"isPublic"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func newFolderView(f *models.Folder) FolderView {
	return FolderView{
		ID:             f.ID,
		OwnerID:        f.OwnerID,
		Name:           f.Name,
		ParentFolderID: f.ParentFolderID,
		IsPublic:       f.IsPublic,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

type UserView struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	CreatedAt time.Time   `json:"createdAt"`
}

func newUserView(u *models.User) UserView {
	return UserView{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

type QuotaView struct {
	UserID     string    `json:"userId"`
	QuotaBytes int64     `json:"quotaBytes"`
	UsedBytes  int64     `json:"usedBytes"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type AuditEntryView struct {
	ID        string             `json:"id"`
	UserID    string             `json:"userId"`
	Action    models.AuditAction `json:"action"`
	FileID    *string            `json:"fileId,omitempty"`
	FileName  string             `json:"fileName,omitempty"`
	IPAddress string             `json:"ipAddress"`
	UserAgent string             `json:"userAgent"`
	CreatedAt time.Time          `json:"createdAt"`
}

type AuditListView struct {
	Items []AuditEntryView `json:"items"`
	PageView
}

func newAuditEntryView(e *audit.Entry) AuditEntryView {
	return AuditEntryView{
		ID:        e.ID,
		UserID:    e.UserID,
		Action:    e.Action,
		FileID:    e.FileID,
		FileName:  e.FileName,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		CreatedAt: e.CreatedAt,
	}
}

type BlobView struct {
	Hash           string    `json:"hash"`
	Size           int64     `json:"size"`
	MimeType       string    `json:"mimeType"`
	ReferenceCount int64     `json:"referenceCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

func newBlobView(b *models.ContentBlob) BlobView {
	return BlobView{
		Hash:           b.Hash,
		Size:           b.Size,
		MimeType:       b.MimeType,
		ReferenceCount: b.ReferenceCount,
		CreatedAt:      b.CreatedAt,
	}
}

type HealthView struct {
	Status string `json:"status"`
}
