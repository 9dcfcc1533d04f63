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

package database

import (
	"emperror.dev/errors"
	gormigrate "github.com/go-gormigrate/gormigrate/v2"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

var (
	migrations = []*gormigrate.Migration{
		// create base tables
		{
			ID: "202410010000",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(
					&models.User{},
					&models.QuotaAccount{},
					&models.ContentBlob{},
					&models.Folder{},
					&models.FileRecord{},
					&models.FileTag{},
				)
			},
			Rollback: func(tx *gorm.DB) (err error) {
				for _, table := range []string{"file_tags", "file_records", "folders", "content_blobs", "quota_accounts", "users"} {
					if err = tx.Migrator().DropTable(table); err != nil {
						return
					}
				}
				return
			},
		},
		// sharing and audit
		{
			ID: "202410150000",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.ShareGrant{}, &models.AuditEntry{})
			},
			Rollback: func(tx *gorm.DB) (err error) {
				if err = tx.Migrator().DropTable("share_grants"); err != nil {
					return
				}
				return tx.Migrator().DropTable("audit_entries")
			},
		},
		// download links
		{
			ID: "202411020000",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.DownloadLink{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("download_links")
			},
		},
	}
)

func migrator(db *gorm.DB) *gormigrate.Gormigrate {
	return gormigrate.New(db, gormigrate.DefaultOptions, migrations)
}

// Migrate runs every pending migration and then reconciles the schema with
// the current models.
func Migrate(db *gorm.DB) error {
	if err := migrator(db).Migrate(); err != nil {
		return errors.WrapIf(err, "could not migrate")
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return errors.WrapIf(err, "could not auto migrate")
	}

	return nil
}

// RollbackLast undoes the most recent migration.
func RollbackLast(db *gorm.DB) error {
	return migrator(db).RollbackLast()
}
