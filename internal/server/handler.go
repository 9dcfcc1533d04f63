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
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/accounts"
	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/catalog"
	"github.com/sid2001/FileVault/pkg/contentstore"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"github.com/sid2001/FileVault/pkg/pipeline"
	"github.com/sid2001/FileVault/pkg/quota"
	"github.com/sid2001/FileVault/pkg/sharing"
	"gorm.io/gorm"
)

// Handler serves the JSON API on top of the vault services.
type Handler struct {
	db       *gorm.DB
	pipeline *pipeline.Pipeline
	store    *contentstore.Store
	catalog  *catalog.Catalog
	sharing  *sharing.Manager
	ledger   *quota.Ledger
	audit    *audit.Log
	accounts *accounts.Service
	log      logr.Logger
}

func NewHandler(
	db *gorm.DB,
	p *pipeline.Pipeline,
	store *contentstore.Store,
	cat *catalog.Catalog,
	shares *sharing.Manager,
	ledger *quota.Ledger,
	auditLog *audit.Log,
	accts *accounts.Service,
	log logr.Logger,
) *Handler {
	return &Handler{
		db:       db,
		pipeline: p,
		store:    store,
		catalog:  cat,
		sharing:  shares,
		ledger:   ledger,
		audit:    auditLog,
		accounts: accts,
		log:      log.WithName("http"),
	}
}

const actorKey = "filevault.actor"

func actorFrom(c *app.RequestContext) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(models.Actor); ok {
			return actor
		}
	}
	return models.Actor{}
}

func queryInt(c *app.RequestContext, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Invalid("query parameter must be an integer", "param", key, "value", raw)
	}
	return v, nil
}

func queryInt64(c *app.RequestContext, key string) (*int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errs.Invalid("query parameter must be an integer", "param", key, "value", raw)
	}
	return &v, nil
}

func queryBool(c *app.RequestContext, key string) (*bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errs.Invalid("query parameter must be a boolean", "param", key, "value", raw)
	}
	return &v, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(c *app.RequestContext, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errs.Invalid("query parameter must be a RFC 3339 time or a date", "param", key, "value", raw)
}

func queryString(c *app.RequestContext, key string) *string {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	return &raw
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pagination reads page and pageSize and returns the clamped values
// alongside the list option.
func pagination(c *app.RequestContext) (database.ListPagination, error) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return database.ListPagination{}, err
	}
	pageSize, err := queryInt(c, "pageSize", database.DefaultPageSize)
	if err != nil {
		return database.ListPagination{}, err
	}
	p := database.ListPagination{Page: page, PageSize: pageSize}
	offset, limit := p.Bounds()
	return database.ListPagination{Page: offset/limit + 1, PageSize: limit}, nil
}
