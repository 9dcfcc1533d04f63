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
	"github.com/sid2001/FileVault/pkg/accounts"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
)

type registerRequest struct {
	Username   string      `json:"username"`
	Email      string      `json:"email"`
	Role       models.Role `json:"role"`
	QuotaBytes int64       `json:"quotaBytes"`
}

// Register creates a user. Only admins may create admins or pick a quota.
func (h *Handler) Register(ctx context.Context, c *app.RequestContext) {
	var req registerRequest
	if err := c.BindJSON(&req); err != nil {
		h.badRequest(ctx, c, "malformed request body", "error", err.Error())
		return
	}

	actor := actorFrom(c)
	if !actor.IsAdmin() && (req.Role == models.RoleAdmin || req.QuotaBytes != 0) {
		h.writeError(ctx, c, errs.Forbidden("only admins may set role or quota"))
		return
	}

	user, err := h.accounts.Register(ctx, accounts.RegisterRequest{
		Username:   req.Username,
		Email:      req.Email,
		Role:       req.Role,
		QuotaBytes: req.QuotaBytes,
	}, c.ClientIP(), string(c.UserAgent()))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusCreated, newUserView(user))
}

func (h *Handler) Me(ctx context.Context, c *app.RequestContext) {
	user, err := h.accounts.Get(ctx, actorFrom(c).UserID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, newUserView(user))
}

func (h *Handler) SearchUsers(ctx context.Context, c *app.RequestContext) {
	limit, err := queryInt(c, "limit", 10)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	users, err := h.accounts.Search(ctx, c.Query("q"), limit)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	views := make([]UserView, 0, len(users))
	for i := range users {
		views = append(views, newUserView(&users[i]))
	}
	c.JSON(consts.StatusOK, views)
}
