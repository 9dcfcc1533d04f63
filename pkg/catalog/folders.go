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

package catalog

import (
	"context"
	"strings"

	"emperror.dev/errors"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

// folder depth guard for the parent walk
const maxFolderDepth = 256

func (c *Catalog) CreateFolder(ctx context.Context, actor models.Actor, name string, parentID *string, isPublic bool) (*models.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Invalid("folder name is required")
	}

	folder := &models.Folder{
		OwnerID:        actor.UserID,
		Name:           SanitizeFilename(name),
		ParentFolderID: parentID,
		IsPublic:       isPublic,
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if parentID != nil {
			parent, err := getFolder(tx, *parentID)
			if err != nil {
				return err
			}
			if parent.OwnerID != actor.UserID {
				return errs.Forbidden("parent folder belongs to another user", "folder", *parentID)
			}
		}
		return errors.WrapIf(tx.Create(folder).Error, "failed to create folder")
	})
	if err != nil {
		return nil, err
	}

	return folder, nil
}

// GetFolder returns a folder visible to actor: owned, public, or any for admins.
func (c *Catalog) GetFolder(ctx context.Context, actor models.Actor, folderID string) (*models.Folder, error) {
	folder, err := getFolder(c.db.WithContext(ctx), folderID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(folder.OwnerID) && !folder.IsPublic && !actor.IsAdmin() {
		return nil, errs.Forbidden("folder is private", "folder", folderID)
	}
	return folder, nil
}

func (c *Catalog) RenameFolder(ctx context.Context, actor models.Actor, folderID, name string) (*models.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Invalid("folder name is required")
	}

	var folder *models.Folder
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
		folder, err = ownedFolder(tx, actor, folderID)
		if err != nil {
			return err
		}
		folder.Name = SanitizeFilename(name)
		return errors.WrapIf(tx.Model(folder).Update("name", folder.Name).Error, "failed to rename folder")
	})
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// MoveFolder reparents a folder. A nil parent moves it to the root. The new
// parent must be owned by the same user and must not be the folder itself
// or one of its descendants.
func (c *Catalog) MoveFolder(ctx context.Context, actor models.Actor, folderID string, parentID *string) (*models.Folder, error) {
	var folder *models.Folder
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
		folder, err = ownedFolder(tx, actor, folderID)
		if err != nil {
			return err
		}

		if parentID != nil {
			if *parentID == folderID {
				return errs.Invalid("a folder cannot be its own parent", "folder", folderID)
			}

			parent, err := getFolder(tx, *parentID)
			if err != nil {
				return err
			}
			if parent.OwnerID != folder.OwnerID {
				return errs.Forbidden("parent folder belongs to another user", "folder", *parentID)
			}

			descendant, err := isDescendant(tx, parent, folderID)
			if err != nil {
				return err
			}
			if descendant {
				return errs.Invalid("cannot move a folder under its own descendant", "folder", folderID, "parent", *parentID)
			}
		}

		folder.ParentFolderID = parentID
		return errors.WrapIf(tx.Model(folder).Update("parent_folder_id", parentID).Error, "failed to move folder")
	})
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// DeleteFolder removes an empty folder.
func (c *Catalog) DeleteFolder(ctx context.Context, actor models.Actor, folderID string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		folder, err := ownedFolder(tx, actor, folderID)
		if err != nil {
			return err
		}

		var files, children int64
		if err := tx.Model(&models.FileRecord{}).Where("folder_id = ?", folderID).Count(&files).Error; err != nil {
			return errors.WrapIf(err, "failed to count folder files")
		}
		if err := tx.Model(&models.Folder{}).Where("parent_folder_id = ?", folderID).Count(&children).Error; err != nil {
			return errors.WrapIf(err, "failed to count subfolders")
		}
		if files > 0 || children > 0 {
			return errs.Invalid("folder is not empty", "folder", folderID, "files", files, "folders", children)
		}

		// tombstoned records keep no folder
		err = tx.Unscoped().Model(&models.FileRecord{}).
			Where("folder_id = ?", folderID).
			UpdateColumn("folder_id", nil).Error
		if err != nil {
			return errors.WrapIf(err, "failed to detach tombstones")
		}

		return errors.WrapIf(tx.Delete(folder).Error, "failed to delete folder")
	})
}

// ListFolders lists ownerID's folders under parentID, or at the root when
// parentID is nil.
func (c *Catalog) ListFolders(ctx context.Context, ownerID string, parentID *string) ([]models.Folder, error) {
	query := c.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if parentID == nil {
		query = query.Where("parent_folder_id IS NULL")
	} else {
		query = query.Where("parent_folder_id = ?", *parentID)
	}

	var folders []models.Folder
	if err := query.Order("name").Find(&folders).Error; err != nil {
		return nil, errors.WrapIf(err, "failed to list folders")
	}
	return folders, nil
}

// checkFolderUsable allows filing into folders the owner holds or public ones.
func (c *Catalog) checkFolderUsable(tx *gorm.DB, folderID, ownerID string) error {
	folder, err := getFolder(tx, folderID)
	if err != nil {
		return err
	}
	if folder.OwnerID != ownerID && !folder.IsPublic {
		return errs.Forbidden("folder belongs to another user", "folder", folderID)
	}
	return nil
}

func getFolder(tx *gorm.DB, folderID string) (*models.Folder, error) {
	folder := &models.Folder{}
	err := tx.Where("id = ?", folderID).Take(folder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("folder", folderID)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load folder", "folder", folderID)
	}
	return folder, nil
}

func ownedFolder(tx *gorm.DB, actor models.Actor, folderID string) (*models.Folder, error) {
	folder, err := getFolder(tx, folderID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(folder.OwnerID) && !actor.IsAdmin() {
		return nil, errs.Forbidden("only the owner may change a folder", "folder", folderID)
	}
	return folder, nil
}

// isDescendant walks up from start and reports whether folderID is on the
// path to the root.
func isDescendant(tx *gorm.DB, start *models.Folder, folderID string) (bool, error) {
	current := start
	for depth := 0; depth < maxFolderDepth; depth++ {
		if current.ID == folderID {
			return true, nil
		}
		if current.ParentFolderID == nil {
			return false, nil
		}

		next, err := getFolder(tx, *current.ParentFolderID)
		if err != nil {
			return false, err
		}
		current = next
	}
	return false, errs.Invalid("folder tree too deep", "folder", start.ID)
}
