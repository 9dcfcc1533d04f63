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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/metrics"
	"github.com/sid2001/FileVault/pkg/ratelimit"
)

const apiPrefix = "/api/v1"

// Register mounts the API, /metrics and /healthz on h.
func Register(h *server.Hertz, handler *Handler, limiter ratelimit.Limiter, log logr.Logger) {
	h.Use(observe(log))

	h.GET("/healthz", handler.Healthz)
	h.GET("/metrics", Metrics)

	open := h.Group(apiPrefix, identity(false), rateLimit(limiter, log))
	open.POST("/users", handler.Register)

	api := h.Group(apiPrefix, identity(true), rateLimit(limiter, log))

	api.GET("/me", handler.Me)
	api.GET("/me/stats", handler.MyStats)
	api.GET("/users/search", handler.SearchUsers)
	api.GET("/audit", handler.AuditLog)

	files := api.Group("/files")
	files.POST("", handler.Upload)
	files.GET("", handler.ListFiles)
	files.GET("/:id", handler.GetFile)
	files.PATCH("/:id", handler.UpdateFile)
	files.DELETE("/:id", handler.DeleteFile)
	files.GET("/:id/download", handler.Download)
	files.POST("/:id/shares", handler.Share)
	files.DELETE("/:id/shares", handler.Unshare)
	files.POST("/:id/links", handler.IssueLink)

	api.GET("/links/:id/download", handler.DownloadLink)

	shares := api.Group("/shares")
	shares.GET("/mine", handler.MyShares)
	shares.GET("/received", handler.SharedWithMe)

	folders := api.Group("/folders")
	folders.POST("", handler.CreateFolder)
	folders.GET("", handler.ListFolders)
	folders.GET("/:id", handler.GetFolder)
	folders.PATCH("/:id", handler.RenameFolder)
	folders.POST("/:id/move", handler.MoveFolder)
	folders.DELETE("/:id", handler.DeleteFolder)

	admin := api.Group("/admin", requireAdmin())
	admin.GET("/stats", handler.GlobalStats)
	admin.GET("/duplicates", handler.Duplicates)
	admin.PUT("/users/:id/quota", handler.SetQuota)
}

func (h *Handler) Healthz(ctx context.Context, c *app.RequestContext) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.log.Error(err, "health check failed")
		c.JSON(consts.StatusServiceUnavailable, HealthView{Status: "unavailable"})
		return
	}
	c.JSON(consts.StatusOK, HealthView{Status: "ok"})
}

func Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.String(consts.StatusInternalServerError, err.Error())
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
