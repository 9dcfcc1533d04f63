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
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/sid2001/FileVault/pkg/errs"
)

// Filesystem keeps blobs under a root directory.
type Filesystem struct {
	root string
}

var _ Backend = &Filesystem{}
var _ Adopter = &Filesystem{}

func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, errors.New("filesystem root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errs.IO(err, "create blob root", "root", root)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" || strings.Contains(path, "..") {
		return "", errs.Invalid("invalid blob path", "path", path)
	}
	return filepath.Join(f.root, clean), nil
}

// Put writes to a temp file next to the destination and renames it into
// place, so readers never observe a partial blob.
func (f *Filesystem) Put(ctx context.Context, path string, data io.Reader) (int64, error) {
	dst, err := f.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, errs.IO(err, "create blob dir", "path", path)
	}

	tmp := dst + ".tmp-" + uuid.NewString()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, errs.IO(err, "create blob", "path", path)
	}

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: data})
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return n, errs.IO(err, "write blob", "path", path)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return n, errs.IO(err, "commit blob", "path", path)
	}

	return n, nil
}

func (f *Filesystem) Adopt(ctx context.Context, stagedPath, path string) error {
	dst, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errs.IO(err, "create blob dir", "path", path)
	}
	if err := os.Rename(stagedPath, dst); err != nil {
		// staging may live on another device
		in, oerr := os.Open(stagedPath)
		if oerr != nil {
			return errs.IO(err, "adopt blob", "path", path)
		}
		defer in.Close()
		if _, perr := f.Put(ctx, path, in); perr != nil {
			return perr
		}
		os.Remove(stagedPath)
	}
	return nil
}

func (f *Filesystem) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	src, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil, errs.NotFound("blob", path)
	}
	if err != nil {
		return nil, errs.IO(err, "open blob", "path", path)
	}
	return file, nil
}

// Delete is idempotent; removing a missing blob is not an error.
func (f *Filesystem) Delete(ctx context.Context, path string) error {
	target, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return errs.IO(err, "delete blob", "path", path)
	}
	return nil
}

func (f *Filesystem) Exists(ctx context.Context, path string) (bool, error) {
	target, err := f.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errs.IO(err, "stat blob", "path", path)
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
