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

// Package errs holds the error kinds surfaced by the storage engine.
// Every layer wraps one of these sentinels so callers can classify with errors.Is.
package errs

import (
	"emperror.dev/errors"
)

const (
	ErrNotFound      = errors.Sentinel("not found")
	ErrForbidden     = errors.Sentinel("forbidden")
	ErrQuotaExceeded = errors.Sentinel("quota exceeded")
	ErrCorruptUpload = errors.Sentinel("corrupt upload")
	ErrInvalidTarget = errors.Sentinel("invalid share target")
	ErrConflict      = errors.Sentinel("conflict")
	ErrIOFailure     = errors.Sentinel("storage backend failure")
	ErrInvalidInput  = errors.Sentinel("invalid input")
)

type Kind string

const (
	KindNotFound      Kind = "NotFound"
	KindForbidden     Kind = "Forbidden"
	KindQuotaExceeded Kind = "QuotaExceeded"
	KindCorruptUpload Kind = "CorruptUpload"
	KindInvalidTarget Kind = "InvalidTarget"
	KindConflict      Kind = "Conflict"
	KindIOFailure     Kind = "IOFailure"
	KindInvalidInput  Kind = "InvalidInput"
	KindInternal      Kind = "Internal"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrForbidden, KindForbidden},
	{ErrQuotaExceeded, KindQuotaExceeded},
	{ErrCorruptUpload, KindCorruptUpload},
	{ErrInvalidTarget, KindInvalidTarget},
	{ErrConflict, KindConflict},
	{ErrIOFailure, KindIOFailure},
	{ErrInvalidInput, KindInvalidInput},
}

// KindOf classifies err. Errors that wrap none of the sentinels are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}

	return KindInternal
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrIOFailure) || errors.Is(err, ErrConflict)
}

// NotFound wraps ErrNotFound with the entity kind and id.
func NotFound(entity, id string) error {
	return errors.WithDetails(ErrNotFound, "entity", entity, "id", id)
}

// Forbidden wraps ErrForbidden with the reason.
func Forbidden(reason string, details ...interface{}) error {
	return errors.WrapWithDetails(ErrForbidden, reason, details...)
}

// Invalid wraps ErrInvalidInput with the reason.
func Invalid(reason string, details ...interface{}) error {
	return errors.WrapWithDetails(ErrInvalidInput, reason, details...)
}

// IO wraps a backend error as a retryable IOFailure.
func IO(err error, op string, details ...interface{}) error {
	if err == nil {
		return nil
	}

	return errors.WrapWithDetails(errors.Append(ErrIOFailure, err), op, details...)
}
