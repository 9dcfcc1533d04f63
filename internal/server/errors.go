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

	"emperror.dev/errors"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/sid2001/FileVault/pkg/errs"
)

const kindUnauthenticated = "Unauthenticated"

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return consts.StatusNotFound
	case errs.KindForbidden:
		return consts.StatusForbidden
	case errs.KindQuotaExceeded:
		return consts.StatusRequestEntityTooLarge
	case errs.KindCorruptUpload:
		return consts.StatusUnprocessableEntity
	case errs.KindInvalidTarget, errs.KindInvalidInput:
		return consts.StatusBadRequest
	case errs.KindConflict:
		return consts.StatusConflict
	case errs.KindIOFailure:
		return consts.StatusServiceUnavailable
	}
	return consts.StatusInternalServerError
}

// writeError renders err as an ErrorView. Internal errors are logged and
// their message is withheld from the client.
func (h *Handler) writeError(ctx context.Context, c *app.RequestContext, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)

	view := ErrorView{Error: err.Error(), Kind: string(kind)}
	if status >= consts.StatusInternalServerError {
		h.log.Error(err, "request failed", append([]interface{}{
			"method", string(c.Method()),
			"path", string(c.Path()),
		}, errors.GetDetails(err)...)...)
		if kind == errs.KindInternal {
			view.Error = "internal error"
		}
	} else {
		h.log.V(1).Info("request rejected", "kind", kind, "error", err.Error(), "path", string(c.Path()))
	}

	c.AbortWithStatusJSON(status, view)
}

func (h *Handler) badRequest(ctx context.Context, c *app.RequestContext, reason string, details ...interface{}) {
	h.writeError(ctx, c, errs.Invalid(reason, details...))
}
