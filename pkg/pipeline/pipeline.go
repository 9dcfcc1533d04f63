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

// Package pipeline runs the multi-step file operations: each step either
// completes or is compensated so blobs, records and quota stay in step.
package pipeline

import (
	"context"
	"io"
	"strings"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/catalog"
	"github.com/sid2001/FileVault/pkg/contentstore"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/metrics"
	"github.com/sid2001/FileVault/pkg/models"
	"github.com/sid2001/FileVault/pkg/quota"
	"github.com/sid2001/FileVault/pkg/sharing"
	"gorm.io/gorm"
)

type Pipeline struct {
	db      *gorm.DB
	store   *contentstore.Store
	catalog *catalog.Catalog
	ledger  *quota.Ledger
	sharing *sharing.Manager
	audit   *audit.Log
	log     logr.Logger
}

func New(
	db *gorm.DB,
	store *contentstore.Store,
	cat *catalog.Catalog,
	ledger *quota.Ledger,
	shares *sharing.Manager,
	auditLog *audit.Log,
	log logr.Logger,
) *Pipeline {
	return &Pipeline{
		db:      db,
		store:   store,
		catalog: cat,
		ledger:  ledger,
		sharing: shares,
		audit:   auditLog,
		log:     log.WithName("pipeline"),
	}
}

type UploadRequest struct {
	Body           io.Reader
	DeclaredSize   int64
	DeclaredMime   string
	ExpectedSHA256 string

	Filename string
	FolderID *string
	IsPublic bool
	Tags     []string
}

type UploadResult struct {
	File         *models.FileRecord
	Deduplicated bool
}

type DownloadResult struct {
	File *models.FileRecord
	Blob *models.ContentBlob
	Body io.ReadCloser
}

// Upload hashes and stores the stream, charges the owner for its logical
// size and commits the record together with its blob reference. A failure
// after the quota is reserved gives the reservation back. A blob written
// for a failed upload has no references and is left to the sweep.
func (p *Pipeline) Upload(ctx context.Context, actor models.Actor, req UploadRequest) (*UploadResult, error) {
	result, err := p.upload(ctx, actor, req)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}
	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	metrics.UploadBytes.Add(float64(result.File.Content.Size))
	return result, nil
}

func (p *Pipeline) upload(ctx context.Context, actor models.Actor, req UploadRequest) (*UploadResult, error) {
	if actor.UserID == "" {
		return nil, errs.Forbidden("anonymous uploads are not allowed")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return nil, errs.Invalid("filename is required")
	}

	log := p.log.WithValues("user", actor.UserID, "filename", req.Filename)

	blob, isNew, err := p.store.Put(ctx, contentstore.PutRequest{
		Body:           req.Body,
		DeclaredSize:   req.DeclaredSize,
		DeclaredMime:   req.DeclaredMime,
		ExpectedSHA256: req.ExpectedSHA256,
	})
	if err != nil {
		return nil, err
	}
	log = log.WithValues("hash", blob.Hash, "size", blob.Size)

	if err := p.ledger.Reserve(ctx, actor.UserID, blob.Size); err != nil {
		return nil, err
	}

	var record *models.FileRecord
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = p.catalog.Create(tx, catalog.CreateRequest{
			OwnerID:     actor.UserID,
			ContentHash: blob.Hash,
			Filename:    req.Filename,
			FolderID:    req.FolderID,
			IsPublic:    req.IsPublic,
			Tags:        req.Tags,
		})
		if err != nil {
			return err
		}
		return p.store.AcquireRef(tx, blob.Hash)
	})
	if err != nil {
		if rerr := p.ledger.Release(context.Background(), actor.UserID, blob.Size); rerr != nil {
			log.Error(rerr, "failed to release quota reservation")
		}
		return nil, err
	}

	record.Content = *blob
	record.Content.ReferenceCount++
	record.Content.ZeroRefSince = nil

	p.record(ctx, actor, models.AuditUpload, record.ID)

	log.Info("uploaded file", "file", record.ID, "deduplicated", !isNew)
	return &UploadResult{File: record, Deduplicated: !isNew}, nil
}

// Download opens a file the actor may read. Reads by anyone but the owner
// count towards the download counter. The caller closes Body.
func (p *Pipeline) Download(ctx context.Context, actor models.Actor, fileID string) (*DownloadResult, error) {
	result, err := p.download(ctx, actor, fileID)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}
	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (p *Pipeline) download(ctx context.Context, actor models.Actor, fileID string) (*DownloadResult, error) {
	record, err := p.catalog.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	ok, err := p.sharing.CanAccess(ctx, fileID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Forbidden("no access to file", "file", fileID, "user", actor.UserID)
	}

	blob, body, err := p.store.Open(ctx, record.ContentHash)
	if err != nil {
		return nil, err
	}

	if !actor.Owns(record.OwnerID) {
		if err := p.catalog.IncrementDownloads(ctx, fileID); err != nil {
			p.log.Error(err, "failed to count download", "file", fileID)
		} else {
			record.DownloadCount++
		}
	}

	p.record(ctx, actor, models.AuditDownload, fileID)

	return &DownloadResult{File: record, Blob: blob, Body: body}, nil
}

// DownloadLink resolves a download link issued to actor and downloads its file.
func (p *Pipeline) DownloadLink(ctx context.Context, actor models.Actor, linkID string) (*DownloadResult, error) {
	link, err := p.sharing.ResolveDownloadLink(ctx, linkID, actor.UserID)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}
	return p.Download(ctx, actor, link.FileID)
}

// Delete tombstones the record, drops its blob reference and refunds the
// owner's quota in one transaction. The bytes go when the sweep finds the
// blob unreferenced.
func (p *Pipeline) Delete(ctx context.Context, actor models.Actor, fileID string) error {
	err := p.delete(ctx, actor, fileID)
	if err != nil {
		metrics.DeletesTotal.WithLabelValues(string(errs.KindOf(err))).Inc()
		return err
	}
	metrics.DeletesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (p *Pipeline) delete(ctx context.Context, actor models.Actor, fileID string) error {
	var deleted *models.FileRecord

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := p.catalog.GetTx(tx, fileID)
		if err != nil {
			return err
		}
		if !actor.Owns(record.OwnerID) && !actor.IsAdmin() {
			return errs.Forbidden("only the owner may delete a file", "file", fileID, "user", actor.UserID)
		}

		deleted, err = p.catalog.Delete(tx, fileID)
		if err != nil {
			return err
		}
		if err := p.store.ReleaseRef(tx, deleted.ContentHash); err != nil {
			return err
		}
		return p.ledger.ReleaseTx(tx, deleted.OwnerID, deleted.Content.Size)
	})
	if err != nil {
		return err
	}

	p.record(ctx, actor, models.AuditDelete, fileID)

	p.log.Info("deleted file", "file", fileID, "user", actor.UserID, "hash", deleted.ContentHash)
	return nil
}

func (p *Pipeline) Share(ctx context.Context, actor models.Actor, req sharing.ShareRequest) (*models.ShareGrant, error) {
	grant, err := p.sharing.Share(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	p.record(ctx, actor, models.AuditShare, req.FileID)
	return grant, nil
}

func (p *Pipeline) Unshare(ctx context.Context, actor models.Actor, fileID string, target *string) (int64, error) {
	removed, err := p.sharing.Unshare(ctx, actor, fileID, target)
	if err != nil {
		return 0, err
	}
	p.record(ctx, actor, models.AuditUnshare, fileID)
	return removed, nil
}

// record writes an audit entry. Audit failures never fail the operation.
func (p *Pipeline) record(ctx context.Context, actor models.Actor, action models.AuditAction, fileID string) {
	id := fileID
	if err := p.audit.Record(ctx, actor, action, &id); err != nil {
		p.log.Error(errors.WithDetails(err, "file", fileID), "failed to write audit entry", "action", action)
	}
}
