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
)

type folderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
	IsPublic bool    `json:"isPublic"`
}

type renameFolderRequest struct {
	Name string `json:"name"`
}

type moveFolderRequest struct {
	ParentID *string `json:"parentId"`
}

func (h *Handler) CreateFolder(ctx context.Context, c *app.RequestContext) {
	var req folderRequest
	if err := c.BindJSON(&req); err != nil {
		h.badRequest(ctx, c, "malformed request body", "error", err.Error())
		return
	}

	folder, err := h.catalog.CreateFolder(ctx, actorFrom(c), req.Name, req.ParentID, req.IsPublic)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusCreated, newFolderView(folder))
}

// ListFolders lists the caller's folders under parentId, or at the root.
func (h *Handler) ListFolders(ctx context.Context, c *app.RequestContext) {
	folders, err := h.catalog.ListFolders(ctx, actorFrom(c).UserID, queryString(c, "parentId"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	views := make([]FolderView, 0, len(folders))
	for i := range folders {
		views = append(views, newFolderView(&folders[i]))
	}
	c.JSON(consts.StatusOK, views)
}

func (h *Handler) GetFolder(ctx context.Context, c *app.RequestContext) {
	folder, err := h.catalog.GetFolder(ctx, actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, newFolderView(folder))
}

func (h *Handler) RenameFolder(ctx context.Context, c *app.RequestContext) {
	var req renameFolderRequest
	if err := c.BindJSON(&req); err != nil {
		h.badRequest(ctx, c, "malformed request body", "error", err.Error())
		return
	}

	folder, err := h.catalog.RenameFolder(ctx, actorFrom(c), c.Param("id"), req.Name)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, newFolderView(folder))
}

func (h *Handler) MoveFolder(ctx context.Context, c *app.RequestContext) {
	var req moveFolderRequest
	if err := c.BindJSON(&req); err != nil {
		h.badRequest(ctx, c, "malformed request body", "error", err.Error())
		return
	}

	folder, err := h.catalog.MoveFolder(ctx, actorFrom(c), c.Param("id"), req.ParentID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, newFolderView(folder))
}

func (h *Handler) DeleteFolder(ctx context.Context, c *app.RequestContext) {
	if err := h.catalog.DeleteFolder(ctx, actorFrom(c), c.Param("id")); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.Status(consts.StatusNoContent)
}
