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

package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"emperror.dev/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sid2001/FileVault/pkg/blobstore"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/metrics"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	stagingPrefix = "upload-"
	sniffLen      = 3072
	DefaultMime   = "application/octet-stream"
)

// PutRequest describes one incoming stream. DeclaredSize < 0 skips the
// length check; an empty ExpectedSHA256 skips the digest check.
type PutRequest struct {
	Body           io.Reader
	DeclaredSize   int64
	DeclaredMime   string
	ExpectedSHA256 string
}

// Put stages and hashes the stream, then places it under its content hash
// unless an identical blob is already stored. The returned bool reports
// whether new bytes were written to the backend. New blobs start at zero
// references and are collected by the sweep if no record claims them.
func (s *Store) Put(ctx context.Context, req PutRequest) (*models.ContentBlob, bool, error) {
	staged, err := s.stage(ctx, req)
	if err != nil {
		return nil, false, err
	}
	defer staged.cleanup()

	unlock := s.locks.Lock(staged.hash)
	defer unlock()

	log := s.log.WithValues("hash", staged.hash, "size", staged.size)

	existing := &models.ContentBlob{}
	err = s.db.WithContext(ctx).Unscoped().Where("hash = ?", staged.hash).Take(existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, false, errors.WrapIfWithDetails(err, "failed to look up blob", "hash", staged.hash)
	case !existing.DeletedAt.Valid:
		if existing.ReferenceCount == 0 {
			now := s.now()
			if err := s.db.WithContext(ctx).Model(existing).UpdateColumn("zero_ref_since", now).Error; err != nil {
				return nil, false, errors.WrapIfWithDetails(err, "failed to refresh blob grace", "hash", staged.hash)
			}
			existing.ZeroRefSince = &now
		}
		log.V(1).Info("dedup hit")
		metrics.DedupHits.Inc()
		return existing, false, nil
	default:
		return s.revive(ctx, existing, staged)
	}

	if err := s.place(ctx, staged); err != nil {
		return nil, false, err
	}

	now := s.now()
	blob := &models.ContentBlob{
		Hash:         staged.hash,
		Size:         staged.size,
		MimeType:     staged.mime,
		PhysicalPath: BlobPath(staged.hash),
		ZeroRefSince: &now,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(blob)
	if result.Error != nil {
		return nil, false, errors.WrapIfWithDetails(result.Error, "failed to insert blob", "hash", staged.hash)
	}

	if result.RowsAffected == 0 {
		// another process inserted the same hash first; the bytes we placed
		// are identical to theirs
		winner, err := s.Get(ctx, staged.hash)
		if err != nil {
			return nil, false, err
		}
		metrics.DedupHits.Inc()
		return winner, false, nil
	}

	log.V(1).Info("stored new blob", "mime", staged.mime)
	return blob, true, nil
}

// revive brings a tombstoned blob back with freshly staged bytes, since the
// sweep may already have removed the old ones.
func (s *Store) revive(ctx context.Context, blob *models.ContentBlob, staged *stagedFile) (*models.ContentBlob, bool, error) {
	if err := s.place(ctx, staged); err != nil {
		return nil, false, err
	}

	now := s.now()
	err := s.db.WithContext(ctx).Unscoped().Model(&models.ContentBlob{}).
		Where("hash = ?", blob.Hash).
		UpdateColumns(map[string]interface{}{
			"deleted_at":     nil,
			"zero_ref_since": now,
			"size":           staged.size,
			"mime_type":      staged.mime,
			"physical_path":  BlobPath(staged.hash),
		}).Error
	if err != nil {
		return nil, false, errors.WrapIfWithDetails(err, "failed to revive blob", "hash", blob.Hash)
	}

	s.log.Info("revived tombstoned blob", "hash", blob.Hash)

	revived, err := s.Get(ctx, blob.Hash)
	if err != nil {
		return nil, false, err
	}
	return revived, true, nil
}

func (s *Store) place(ctx context.Context, staged *stagedFile) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()

	target := BlobPath(staged.hash)

	if adopter, ok := s.backend.(blobstore.Adopter); ok {
		if err := adopter.Adopt(ctx, staged.path, target); err != nil {
			return errs.IO(err, "place blob", "hash", staged.hash)
		}
		staged.adopted = true
		return nil
	}

	in, err := os.Open(staged.path)
	if err != nil {
		return errs.IO(err, "reopen staged file", "path", staged.path)
	}
	defer in.Close()

	if _, err := s.backend.Put(ctx, target, in); err != nil {
		return errs.IO(err, "place blob", "hash", staged.hash)
	}
	return nil
}

type stagedFile struct {
	path    string
	hash    string
	size    int64
	mime    string
	adopted bool
}

func (f *stagedFile) cleanup() {
	if !f.adopted {
		os.Remove(f.path)
	}
}

type sniffer struct {
	head []byte
}

func (w *sniffer) Write(p []byte) (int, error) {
	if room := sniffLen - len(w.head); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.head = append(w.head, p[:room]...)
	}
	return len(p), nil
}

func (s *Store) stage(ctx context.Context, req PutRequest) (*stagedFile, error) {
	if req.Body == nil {
		return nil, errs.Invalid("upload body is required")
	}

	out, err := os.CreateTemp(s.cfg.StagingDir, stagingPrefix+"*")
	if err != nil {
		return nil, errs.IO(err, "create staging file", "dir", s.cfg.StagingDir)
	}
	staged := &stagedFile{path: out.Name()}

	hasher := sha256.New()
	sniff := &sniffer{}
	buf := make([]byte, s.cfg.ChunkSize)

	n, err := io.CopyBuffer(io.MultiWriter(out, hasher, sniff), &ctxReader{ctx: ctx, r: req.Body}, buf)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		staged.cleanup()
		return nil, errs.IO(err, "stage upload")
	}

	staged.size = n
	staged.hash = hex.EncodeToString(hasher.Sum(nil))

	switch {
	case n == 0:
		staged.cleanup()
		return nil, errs.Invalid("empty upload")
	case req.DeclaredSize >= 0 && n != req.DeclaredSize:
		staged.cleanup()
		return nil, errors.WithDetails(errs.ErrCorruptUpload, "reason", "size mismatch", "declared", req.DeclaredSize, "received", n)
	case req.ExpectedSHA256 != "" && !strings.EqualFold(req.ExpectedSHA256, staged.hash):
		staged.cleanup()
		return nil, errors.WithDetails(errs.ErrCorruptUpload, "reason", "digest mismatch", "expected", req.ExpectedSHA256, "actual", staged.hash)
	}

	staged.mime = ResolveMime(req.DeclaredMime, sniff.head)
	return staged, nil
}

// ResolveMime keeps a meaningful declared type and otherwise sniffs head.
func ResolveMime(declared string, head []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared != "" && declared != DefaultMime && strings.Contains(declared, "/") {
		return declared
	}

	if len(head) == 0 {
		return DefaultMime
	}

	detected := mimetype.Detect(head).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	return detected
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
