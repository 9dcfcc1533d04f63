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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/sid2001/FileVault/pkg/models"
	"github.com/sid2001/FileVault/pkg/sharing"
)

type shareRequest struct {
	ShareType    models.ShareType `json:"shareType"`
	TargetUserID *string          `json:"targetUserId"`
	ExpiresAt    *time.Time       `json:"expiresAt"`
}

func (h *Handler) Share(ctx context.Context, c *app.RequestContext) {
	var req shareRequest
	if err := c.BindJSON(&req); err != nil {
		h.badRequest(ctx, c, "malformed request body", "error", err.Error())
		return
	}

	grant, err := h.pipeline.Share(ctx, actorFrom(c), sharing.ShareRequest{
		FileID:       c.Param("id"),
		ShareType:    req.ShareType,
		TargetUserID: req.TargetUserID,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	c.JSON(consts.StatusOK, newGrantView(grant))
}

// Unshare revokes the grant for targetUserId, or every grant when it is
// omitted.
func (h *Handler) Unshare(ctx context.Context, c *app.RequestContext) {
	removed, err := h.pipeline.Unshare(ctx, actorFrom(c), c.Param("id"), queryString(c, "targetUserId"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, UnshareView{Removed: removed})
}

func (h *Handler) MyShares(ctx context.Context, c *app.RequestContext) {
	shared, err := h.sharing.ListMyShares(ctx, actorFrom(c).UserID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, newSharedFileViews(shared))
}

func (h *Handler) SharedWithMe(ctx context.Context, c *app.RequestContext) {
	shared, err := h.sharing.ListSharedWithMe(ctx, actorFrom(c).UserID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, newSharedFileViews(shared))
}

func (h *Handler) IssueLink(ctx context.Context, c *app.RequestContext) {
	link, err := h.sharing.IssueDownloadLink(ctx, actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	c.JSON(consts.StatusCreated, LinkView{
		ID:        link.ID,
		FileID:    link.FileID,
		URL:       apiPrefix + "/links/" + link.ID + "/download",
		ExpiresAt: link.ExpiresAt,
	})
}
