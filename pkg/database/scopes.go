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
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	listScopes = []listOptionsToScope{paginator{}, showHidden{}}
)

type listOptionsToScope interface {
	ToScope(opts *ListOptions) func(db *gorm.DB) *gorm.DB
}

type paginator struct{}

func (p paginator) ToScope(opts *ListOptions) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		offset, limit := opts.Pagination.Bounds()
		return db.Offset(offset).Limit(limit)
	}
}

// Bounds returns the offset and limit for the page, clamping page size to
// [1, MaxPageSize] and defaulting to DefaultPageSize.
func (l ListPagination) Bounds() (offset, limit int) {
	page, pageSize := l.Page, l.PageSize

	if page <= 0 {
		page = 1
	}

	switch {
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	case pageSize <= 0:
		pageSize = DefaultPageSize
	}

	return (page - 1) * pageSize, pageSize
}

type showHidden struct{}

func (s showHidden) ToScope(opts *ListOptions) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if opts.ShowDeleted {
			return db.Unscoped()
		}

		return db
	}
}
