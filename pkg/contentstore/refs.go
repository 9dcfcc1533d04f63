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
	"emperror.dev/errors"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

// AcquireRef adds a reference to hash inside tx. Tombstoned or missing
// blobs are NotFound.
func (s *Store) AcquireRef(tx *gorm.DB, hash string) error {
	result := tx.Model(&models.ContentBlob{}).
		Where("hash = ?", hash).
		UpdateColumns(map[string]interface{}{
			"reference_count": gorm.Expr("reference_count + 1"),
			"zero_ref_since":  nil,
		})
	if result.Error != nil {
		return errors.WrapIfWithDetails(result.Error, "failed to acquire blob reference", "hash", hash)
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("blob", hash)
	}
	return nil
}

// ReleaseRef drops a reference to hash inside tx, flooring at zero. The
// last release stamps zero_ref_since so the sweep can collect the blob once
// the grace period has passed.
func (s *Store) ReleaseRef(tx *gorm.DB, hash string) error {
	result := tx.Model(&models.ContentBlob{}).
		Where("hash = ?", hash).
		UpdateColumns(map[string]interface{}{
			"reference_count": gorm.Expr("CASE WHEN reference_count > 0 THEN reference_count - 1 ELSE 0 END"),
			"zero_ref_since":  gorm.Expr("CASE WHEN reference_count <= 1 THEN ? ELSE zero_ref_since END", s.now()),
		})
	if result.Error != nil {
		return errors.WrapIfWithDetails(result.Error, "failed to release blob reference", "hash", hash)
	}
	if result.RowsAffected == 0 {
		return errs.NotFound("blob", hash)
	}
	return nil
}
