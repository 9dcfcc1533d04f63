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

import "gorm.io/gorm"

type ListOption interface {
	ApplyToList(*ListOptions)
}

type ListOptions struct {
	Pagination  ListPagination
	ShowDeleted bool
}

func (o *ListOptions) ApplyOptions(opts []ListOption) *ListOptions {
	for _, opt := range opts {
		opt.ApplyToList(o)
	}
	return o
}

// Scopes returns the gorm scopes for the applied options.
func (o *ListOptions) Scopes() []func(db *gorm.DB) *gorm.DB {
	scopesToApply := []func(db *gorm.DB) *gorm.DB{}
	for _, scope := range listScopes {
		scopesToApply = append(scopesToApply, scope.ToScope(o))
	}

	return scopesToApply
}

// NewListOptions applies opts over the defaults.
func NewListOptions(opts ...ListOption) *ListOptions {
	return (&ListOptions{}).ApplyOptions(opts)
}

func Paginate(page, pageSize int) ListOption {
	return ListPagination{
		Page:     page,
		PageSize: pageSize,
	}
}

type ListPagination struct {
	Page, PageSize int
}

func (l ListPagination) ApplyToList(opts *ListOptions) {
	opts.Pagination = l
}

func ShowDeleted() ListOption {
	return showDeleted{}
}

type showDeleted struct{}

func (f showDeleted) ApplyToList(opts *ListOptions) {
	opts.ShowDeleted = true
}
