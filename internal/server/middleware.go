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
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/metrics"
	"github.com/sid2001/FileVault/pkg/models"
	"github.com/sid2001/FileVault/pkg/ratelimit"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// identity turns the identity headers set by the fronting auth layer into
// an Actor. When required is set, requests without X-User-ID are rejected.
func identity(required bool) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		userID := strings.TrimSpace(string(c.GetHeader(headerUserID)))
		if userID == "" && required {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, ErrorView{
				Error: "missing " + headerUserID + " header",
				Kind:  kindUnauthenticated,
			})
			return
		}

		role := models.RoleUser
		if userID != "" && strings.EqualFold(string(c.GetHeader(headerUserRole)), string(models.RoleAdmin)) {
			role = models.RoleAdmin
		}

		c.Set(actorKey, models.Actor{
			UserID:    userID,
			Role:      role,
			IPAddress: c.ClientIP(),
			UserAgent: string(c.UserAgent()),
		})
		c.Next(ctx)
	}
}

// rateLimit admits requests per user, falling back to the client address.
// Limiter failures let the request through.
func rateLimit(limiter ratelimit.Limiter, log logr.Logger) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if limiter == nil {
			c.Next(ctx)
			return
		}

		key := actorFrom(c).UserID
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		ok, err := limiter.Allow(ctx, key)
		if err != nil {
			log.Error(err, "rate limiter unavailable", "key", key)
		} else if !ok {
			metrics.RateLimited.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(consts.StatusTooManyRequests, ErrorView{
				Error: "rate limit exceeded",
				Kind:  "RateLimited",
			})
			return
		}

		c.Next(ctx)
	}
}

// observe records the request duration and logs each request at V(1).
func observe(log logr.Logger) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Response.StatusCode()
		took := time.Since(start)

		metrics.RequestDuration.
			WithLabelValues(string(c.Method()), route, strconv.Itoa(status)).
			Observe(took.Seconds())

		log.V(1).Info("request",
			"method", string(c.Method()),
			"route", route,
			"status", status,
			"took", took,
		)
	}
}
