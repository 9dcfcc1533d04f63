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

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type ShareType string

const (
	SharePublic       ShareType = "PUBLIC"
	SharePrivate      ShareType = "PRIVATE"
	ShareUserSpecific ShareType = "USER_SPECIFIC"
)

func (s ShareType) Valid() bool {
	switch s {
	case SharePublic, SharePrivate, ShareUserSpecific:
		return true
	}
	return false
}

type AuditAction string

const (
	AuditUpload   AuditAction = "UPLOAD"
	AuditDownload AuditAction = "DOWNLOAD"
	AuditDelete   AuditAction = "DELETE"
	AuditShare    AuditAction = "SHARE"
	AuditUnshare  AuditAction = "UNSHARE"
	AuditRegister AuditAction = "REGISTER"
)

type User struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;not null"`
	Email     string `gorm:"uniqueIndex;not null"`
	Role      Role   `gorm:"not null;default:USER"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// ContentBlob is one physical blob, keyed by the hex sha256 of its bytes.
// DeletedAt is set by the sweep while the bytes are being removed.
type ContentBlob struct {
	Hash           string `gorm:"primaryKey;size:64"`
	Size           int64  `gorm:"not null"`
	MimeType       string `gorm:"not null"`
	ReferenceCount int64  `gorm:"not null;default:0;index"`
	PhysicalPath   string `gorm:"not null"`
	ZeroRefSince   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

// FileRecord is a user's logical file. Deleted records stay behind as
// tombstones so audit entries can still resolve them.
type FileRecord struct {
	ID            string  `gorm:"primaryKey"`
	OwnerID       string  `gorm:"not null;index:idx_file_records_owner_created,priority:1"`
	ContentHash   string  `gorm:"not null;index;size:64"`
	Filename      string  `gorm:"not null"`
	FolderID      *string `gorm:"index"`
	IsPublic      bool    `gorm:"not null;default:false"`
	DownloadCount int64   `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"index:idx_file_records_owner_created,priority:2"`
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`

	Content ContentBlob `gorm:"foreignKey:ContentHash;references:Hash"`
	Tags    []FileTag   `gorm:"foreignKey:FileID"`
}

func (f *FileRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return
}

func (f *FileRecord) TagNames() []string {
	names := make([]string, 0, len(f.Tags))
	for _, t := range f.Tags {
		names = append(names, t.Tag)
	}
	return names
}

type FileTag struct {
	ID     uint   `gorm:"primaryKey"`
	FileID string `gorm:"not null;uniqueIndex:idx_file_tags_file_tag"`
	Tag    string `gorm:"not null;uniqueIndex:idx_file_tags_file_tag;index"`
}

type Folder struct {
	ID             string  `gorm:"primaryKey"`
	OwnerID        string  `gorm:"not null;index"`
	Name           string  `gorm:"not null"`
	ParentFolderID *string `gorm:"index"`
	IsPublic       bool    `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (f *Folder) BeforeCreate(tx *gorm.DB) (err error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return
}

type ShareGrant struct {
	ID               string    `gorm:"primaryKey"`
	FileID           string    `gorm:"not null;index"`
	OwnerID          string    `gorm:"not null;index"`
	ShareType        ShareType `gorm:"not null"`
	SharedWithUserID *string   `gorm:"index"`
	CreatedAt        time.Time
	ExpiresAt        *time.Time
}

func (s *ShareGrant) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return
}

// Active reports whether the grant still applies at now.
func (s *ShareGrant) Active(now time.Time) bool {
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

type QuotaAccount struct {
	UserID     string `gorm:"primaryKey"`
	QuotaBytes int64  `gorm:"not null"`
	UsedBytes  int64  `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

type AuditEntry struct {
	ID        string      `gorm:"primaryKey"`
	UserID    string      `gorm:"not null;index"`
	Action    AuditAction `gorm:"not null;index"`
	FileID    *string     `gorm:"index"`
	IPAddress string
	UserAgent string
	CreatedAt time.Time `gorm:"index"`
}

func (a *AuditEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return
}

// DownloadLink is a short lived ticket that lets UserID fetch FileID.
type DownloadLink struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	FileID    string    `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}

func (d *DownloadLink) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return
}

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&QuotaAccount{},
		&ContentBlob{},
		&Folder{},
		&FileRecord{},
		&FileTag{},
		&ShareGrant{},
		&AuditEntry{},
		&DownloadLink{},
	}
}

// Actor is the caller of an operation as established by the identity
// headers.
type Actor struct {
	UserID    string
	Role      Role
	IPAddress string
	UserAgent string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Owns reports whether the actor may manage a resource owned by ownerID.
func (a Actor) Owns(ownerID string) bool {
	return a.UserID == ownerID
}
