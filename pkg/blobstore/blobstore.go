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

package blobstore

import (
	"context"
	"io"

	"emperror.dev/errors"
	"github.com/sid2001/FileVault/pkg/config"
)

// Backend stores opaque blobs by relative path. The reader returned by Get
// must stay usable after ctx is done; ctx only bounds opening it.
type Backend interface {
	Put(ctx context.Context, path string, data io.Reader) (int64, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Adopter is implemented by backends that can take ownership of a staged
// local file without copying it.
type Adopter interface {
	Adopt(ctx context.Context, stagedPath, path string) error
}

// ProvideBackend builds the backend named by storage.type.
func ProvideBackend(cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Type {
	case "fs":
		return NewFilesystem(cfg.Storage.Root)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}
