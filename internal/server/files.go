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
	"bytes"
	"context"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/sid2001/FileVault/pkg/catalog"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/pipeline"
)

const (
	headerFilename = "X-Filename"
	headerSHA256   = "X-Content-SHA256"
)

// Upload stores the raw request body. The name, folder, visibility and
// tags come from the query string; Content-Type is taken as the declared
// MIME type.
func (h *Handler) Upload(ctx context.Context, c *app.RequestContext) {
	public, err := queryBool(c, "public")
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	filename := c.Query("filename")
	if filename == "" {
		filename = string(c.GetHeader(headerFilename))
	}

	var body io.Reader
	if c.Request.IsBodyStream() {
		body = c.Request.BodyStream()
	} else {
		body = bytes.NewReader(c.Request.Body())
	}

	declared := int64(c.Request.Header.ContentLength())
	if declared < 0 {
		declared = -1
	}

	req := pipeline.UploadRequest{
		Body:           body,
		DeclaredSize:   declared,
		DeclaredMime:   string(c.ContentType()),
		ExpectedSHA256: string(c.GetHeader(headerSHA256)),
		Filename:       filename,
		FolderID:       queryString(c, "folderId"),
		IsPublic:       public != nil && *public,
		Tags:           splitList(c.Query("tags")),
	}

	res, err := h.pipeline.Upload(ctx, actorFrom(c), req)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	status := consts.StatusCreated
	if res.Deduplicated {
		status = consts.StatusOK
	}
	c.JSON(status, UploadView{File: newFileView(res.File), Deduplicated: res.Deduplicated})
}

func (h *Handler) ListFiles(ctx context.Context, c *app.RequestContext) {
	actor := actorFrom(c)

	filter := catalog.Filter{
		OwnerID:  actor.UserID,
		Search:   c.Query("search"),
		MimeType: c.Query("mimeType"),
		FolderID: queryString(c, "folderId"),
		Tags:     splitList(c.Query("tags")),
	}
	if owner := c.Query("ownerId"); owner != "" && actor.IsAdmin() {
		filter.OwnerID = owner
	}

	var err error
	if filter.SizeMin, err = queryInt64(c, "sizeMin"); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if filter.SizeMax, err = queryInt64(c, "sizeMax"); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if filter.DateFrom, err = queryTime(c, "dateFrom"); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if filter.DateTo, err = queryTime(c, "dateTo"); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if filter.IsPublic, err = queryBool(c, "public"); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	root, err := queryBool(c, "root")
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	filter.RootOnly = root != nil && *root

	page, err := pagination(c)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	opts := []database.ListOption{page}
	deleted, err := queryBool(c, "deleted")
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if deleted != nil && *deleted && actor.IsAdmin() {
		opts = append(opts, database.ShowDeleted())
	}

	records, total, err := h.catalog.List(ctx, filter, opts...)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	view := FileListView{
		Items:    make([]FileView, 0, len(records)),
		PageView: PageView{Total: total, Page: page.Page, PageSize: page.PageSize},
	}
	for i := range records {
		view.Items = append(view.Items, newFileView(&records[i]))
	}
	c.JSON(consts.StatusOK, view)
}

// GetFile returns metadata for any file the caller may download.
func (h *Handler) GetFile(ctx context.Context, c *app.RequestContext) {
	actor := actorFrom(c)
	id := c.Param("id")

	record, err := h.catalog.Get(ctx, id)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	if !actor.Owns(record.OwnerID) && !actor.IsAdmin() {
		ok, err := h.sharing.CanAccess(ctx, id, actor.UserID)
		if err != nil {
			h.writeError(ctx, c, err)
			return
		}
		if !ok {
			h.writeError(ctx, c, errs.Forbidden("no access to file", "file", id))
			return
		}
	}

	c.JSON(consts.StatusOK, newFileView(record))
}

type updateFileRequest struct {
	Filename   *string   `json:"filename"`
	Tags       *[]string `json:"tags"`
	IsPublic   *bool     `json:"isPublic"`
	FolderID   *string   `json:"folderId"`
	MoveToRoot bool      `json:"moveToRoot"`
}

func (h *Handler) UpdateFile(ctx context.Context, c *app.RequestContext) {
	var req updateFileRequest
	if err := c.BindJSON(&req); err != nil {
		h.badRequest(ctx, c, "malformed request body", "error", err.Error())
		return
	}

	record, err := h.catalog.Update(ctx, actorFrom(c), c.Param("id"), catalog.Patch{
		Filename:   req.Filename,
		Tags:       req.Tags,
		IsPublic:   req.IsPublic,
		FolderID:   req.FolderID,
		MoveToRoot: req.MoveToRoot,
	})
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	c.JSON(consts.StatusOK, newFileView(record))
}

func (h *Handler) DeleteFile(ctx context.Context, c *app.RequestContext) {
	if err := h.pipeline.Delete(ctx, actorFrom(c), c.Param("id")); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.Status(consts.StatusNoContent)
}

func (h *Handler) Download(ctx context.Context, c *app.RequestContext) {
	res, err := h.pipeline.Download(ctx, actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	h.stream(c, res)
}

func (h *Handler) DownloadLink(ctx context.Context, c *app.RequestContext) {
	res, err := h.pipeline.DownloadLink(ctx, actorFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	h.stream(c, res)
}

// stream hands the blob reader to hertz, which closes it once the
// response has been written. With ?inline=true, media a browser can
// preview is served inline instead of as an attachment.
func (h *Handler) stream(c *app.RequestContext, res *pipeline.DownloadResult) {
	dispType := "attachment"
	if c.Query("inline") == "true" && previewable(res.Blob.MimeType) {
		dispType = "inline"
	}

	disposition := mime.FormatMediaType(dispType, map[string]string{"filename": res.File.Filename})
	if disposition == "" {
		disposition = dispType
	}

	c.Header("Content-Disposition", disposition)
	c.Header(headerSHA256, res.Blob.Hash)
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Download-Count", strconv.FormatInt(res.File.DownloadCount, 10))
	c.SetContentType(res.Blob.MimeType)
	c.SetStatusCode(consts.StatusOK)
	c.SetBodyStream(res.Body, int(res.Blob.Size))
}

func previewable(mimeType string) bool {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(base, "image/") && base != "image/svg+xml":
		return true
	case strings.HasPrefix(base, "video/"), strings.HasPrefix(base, "audio/"):
		return true
	case base == "application/pdf", base == "text/plain":
		return true
	}
	return false
}
