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
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
)

// MyStats reports the caller's usage. Admins may pass userId to look at
// another account.
func (h *Handler) MyStats(ctx context.Context, c *app.RequestContext) {
	actor := actorFrom(c)
	userID := actor.UserID
	if other := c.Query("userId"); other != "" {
		if !actor.IsAdmin() {
			h.writeError(ctx, c, errs.Forbidden("only admins may read other users' stats", "user", actor.UserID))
			return
		}
		userID = other
	}

	stats, err := h.ledger.Stats(ctx, userID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, stats)
}

func (h *Handler) GlobalStats(ctx context.Context, c *app.RequestContext) {
	stats, err := h.ledger.AggregateStats(ctx)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, stats)
}

// AuditLog lists the caller's own entries. Admins may look at any user.
func (h *Handler) AuditLog(ctx context.Context, c *app.RequestContext) {
	actor := actorFrom(c)

	since, err := queryTime(c, "since")
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	filter := audit.Filter{
		UserID: actor.UserID,
		Action: models.AuditAction(c.Query("action")),
		FileID: c.Query("fileId"),
		Since:  since,
	}
	if actor.IsAdmin() {
		filter.UserID = c.Query("userId")
	}

	page, err := pagination(c)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	entries, total, err := h.audit.List(ctx, filter, page)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	view := AuditListView{
		Items:    make([]AuditEntryView, 0, len(entries)),
		PageView: PageView{Total: total, Page: page.Page, PageSize: page.PageSize},
	}
	for i := range entries {
		view.Items = append(view.Items, newAuditEntryView(&entries[i]))
	}
	c.JSON(consts.StatusOK, view)
}

type quotaRequest struct {
	QuotaBytes int64 `json:"quotaBytes"`
}

func (h *Handler) SetQuota(ctx context.Context, c *app.RequestContext) {
	var req quotaRequest
	if err := c.BindJSON(&req); err != nil {
		h.badRequest(ctx, c, "malformed request body", "error", err.Error())
		return
	}

	account, err := h.ledger.SetQuota(ctx, c.Param("id"), req.QuotaBytes)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	c.JSON(consts.StatusOK, QuotaView{
		UserID:     account.UserID,
		QuotaBytes: account.QuotaBytes,
		UsedBytes:  account.UsedBytes,
		UpdatedAt:  account.UpdatedAt,
	})
}

// Duplicates lists blobs referenced by more than one record.
func (h *Handler) Duplicates(ctx context.Context, c *app.RequestContext) {
	page, err := pagination(c)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	offset, limit := page.Bounds()

	blobs, err := h.store.ListDuplicates(ctx, limit, offset)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	views := make([]BlobView, 0, len(blobs))
	for i := range blobs {
		views = append(views, newBlobView(&blobs[i]))
	}
	c.JSON(consts.StatusOK, views)
}

func requireAdmin() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !actorFrom(c).IsAdmin() {
			c.AbortWithStatusJSON(consts.StatusForbidden, ErrorView{
				Error: "admin role required",
				Kind:  string(errs.KindForbidden),
			})
			return
		}
		c.Next(ctx)
	}
}
