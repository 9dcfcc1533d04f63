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

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gotidy/ptr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sid2001/FileVault/internal/vaulttest"
	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/blobstore"
	"github.com/sid2001/FileVault/pkg/catalog"
	"github.com/sid2001/FileVault/pkg/contentstore"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"github.com/sid2001/FileVault/pkg/quota"
	"github.com/sid2001/FileVault/pkg/sharing"
	"gorm.io/gorm"
)

const kb = int64(1024)

var _ = Describe("Pipeline", func() {
	var (
		ctx      context.Context
		db       *gorm.DB
		mem      *blobstore.Memory
		store    *contentstore.Store
		ledger   *quota.Ledger
		auditLog *audit.Log
		p        *Pipeline
		alice    models.Actor
		bob      models.Actor
	)

	newUser := func(name string, quotaBytes int64) models.Actor {
		user := &models.User{ID: name, Username: name, Email: name + "@example.com"}
		Expect(db.Create(user).Error).To(Succeed())
		Expect(ledger.Open(db, user.ID, quotaBytes)).To(Succeed())
		return models.Actor{UserID: user.ID, Role: models.RoleUser, IPAddress: "127.0.0.1", UserAgent: "ginkgo"}
	}

	upload := func(actor models.Actor, name string, data []byte) (*UploadResult, error) {
		return p.Upload(ctx, actor, UploadRequest{
			Body:         bytes.NewReader(data),
			DeclaredSize: int64(len(data)),
			Filename:     name,
		})
	}

	used := func(actor models.Actor) int64 {
		account, err := ledger.Get(ctx, actor.UserID)
		Expect(err).To(Succeed())
		return account.UsedBytes
	}

	blobRow := func(hash string) *models.ContentBlob {
		blob := &models.ContentBlob{}
		Expect(db.Unscoped().Where("hash = ?", hash).Take(blob).Error).To(Succeed())
		return blob
	}

	liveRecords := func(hash string) int64 {
		var count int64
		Expect(db.Model(&models.FileRecord{}).Where("content_hash = ?", hash).Count(&count).Error).To(Succeed())
		return count
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		db, err = vaulttest.NewDB(GinkgoT().TempDir())
		Expect(err).To(Succeed())

		log := vaulttest.Logger()
		mem = blobstore.NewMemory()
		store, err = contentstore.New(db, mem, contentstore.Config{
			StagingDir: GinkgoT().TempDir(),
			ChunkSize:  1024,
			IOTimeout:  5 * time.Second,
			Grace:      0,
			StagingTTL: time.Hour,
		}, log)
		Expect(err).To(Succeed())

		ledger = quota.New(db, store, 100*kb, log)
		auditLog = audit.New(db, log)
		p = New(db, store, catalog.New(db, log), ledger, sharing.New(db, time.Hour, log), auditLog, log)

		alice = newUser("alice", 100*kb)
		bob = newUser("bob", 100*kb)
	})

	AfterEach(func() {
		Expect(database.Close(db)).To(Succeed())
	})

	It("should round trip bytes, size and mime type", func() {
		data := []byte("%PDF-1.4\n" + string(bytes.Repeat([]byte("x"), 2000)))
		res, err := upload(alice, "doc.pdf", data)
		Expect(err).To(Succeed())
		Expect(res.Deduplicated).To(BeFalse())

		dl, err := p.Download(ctx, alice, res.File.ID)
		Expect(err).To(Succeed())
		defer dl.Body.Close()

		got, err := io.ReadAll(dl.Body)
		Expect(err).To(Succeed())
		Expect(got).To(Equal(data))
		Expect(dl.Blob.Size).To(Equal(int64(len(data))))
		Expect(dl.Blob.MimeType).To(Equal("application/pdf"))
	})

	It("should charge the same user twice but store once", func() {
		data := bytes.Repeat([]byte("a"), int(10*kb))

		first, err := upload(alice, "one.bin", data)
		Expect(err).To(Succeed())
		second, err := upload(alice, "two.bin", data)
		Expect(err).To(Succeed())
		Expect(second.Deduplicated).To(BeTrue())
		Expect(second.File.ContentHash).To(Equal(first.File.ContentHash))

		Expect(used(alice)).To(Equal(20 * kb))
		Expect(mem.Len()).To(Equal(1))
		Expect(blobRow(first.File.ContentHash).ReferenceCount).To(Equal(int64(2)))
	})

	It("should report dedup savings across users", func() {
		data := bytes.Repeat([]byte("b"), int(10*kb))
		a, err := upload(alice, "a.bin", data)
		Expect(err).To(Succeed())
		b, err := upload(bob, "b.bin", data)
		Expect(err).To(Succeed())
		Expect(b.File.ContentHash).To(Equal(a.File.ContentHash))

		stats, err := ledger.AggregateStats(ctx)
		Expect(err).To(Succeed())
		Expect(stats.SavedBytes).To(BeNumerically(">=", 10*kb))
		Expect(stats.TotalPhysical).To(Equal(10 * kb))
	})

	It("should refuse uploads past the quota and keep usage", func() {
		_, err := upload(alice, "big.bin", bytes.Repeat([]byte("6"), int(60*kb)))
		Expect(err).To(Succeed())

		_, err = upload(alice, "bigger.bin", bytes.Repeat([]byte("5"), int(50*kb)))
		Expect(errs.KindOf(err)).To(Equal(errs.KindQuotaExceeded))
		Expect(used(alice)).To(Equal(60 * kb))

		var count int64
		Expect(db.Model(&models.FileRecord{}).Where("owner_id = ?", alice.UserID).Count(&count).Error).To(Succeed())
		Expect(count).To(Equal(int64(1)))
	})

	It("should give the reservation back when the catalog refuses", func() {
		folder := &models.Folder{OwnerID: bob.UserID, Name: "private"}
		Expect(db.Create(folder).Error).To(Succeed())

		_, err := p.Upload(ctx, alice, UploadRequest{
			Body:         bytes.NewReader([]byte("sneaky")),
			DeclaredSize: 6,
			Filename:     "x.txt",
			FolderID:     ptr.String(folder.ID),
		})
		Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))
		Expect(used(alice)).To(BeZero())

		removed, err := store.Sweep(ctx)
		Expect(err).To(Succeed())
		Expect(removed).To(Equal(1))
		Expect(mem.Len()).To(BeZero())
	})

	It("should reject corrupt uploads without charging", func() {
		_, err := p.Upload(ctx, alice, UploadRequest{
			Body:         bytes.NewReader([]byte("short")),
			DeclaredSize: 50,
			Filename:     "x.txt",
		})
		Expect(errs.KindOf(err)).To(Equal(errs.KindCorruptUpload))
		Expect(used(alice)).To(BeZero())
		Expect(mem.Len()).To(BeZero())
	})

	It("should keep shared bytes until the last reference goes", func() {
		data := []byte("shared content")
		a, err := upload(alice, "a.txt", data)
		Expect(err).To(Succeed())
		b, err := upload(bob, "b.txt", data)
		Expect(err).To(Succeed())
		hash := a.File.ContentHash

		Expect(p.Delete(ctx, alice, a.File.ID)).To(Succeed())
		Expect(used(alice)).To(BeZero())
		Expect(blobRow(hash).ReferenceCount).To(Equal(int64(1)))

		removed, err := store.Sweep(ctx)
		Expect(err).To(Succeed())
		Expect(removed).To(BeZero())

		dl, err := p.Download(ctx, bob, b.File.ID)
		Expect(err).To(Succeed())
		got, err := io.ReadAll(dl.Body)
		Expect(err).To(Succeed())
		dl.Body.Close()
		Expect(got).To(Equal(data))

		Expect(p.Delete(ctx, bob, b.File.ID)).To(Succeed())
		removed, err = store.Sweep(ctx)
		Expect(err).To(Succeed())
		Expect(removed).To(Equal(1))
		Expect(mem.Len()).To(BeZero())
	})

	It("should only let owners and admins delete", func() {
		res, err := upload(alice, "a.txt", []byte("mine"))
		Expect(err).To(Succeed())

		Expect(errs.KindOf(p.Delete(ctx, bob, res.File.ID))).To(Equal(errs.KindForbidden))

		admin := models.Actor{UserID: "root", Role: models.RoleAdmin}
		Expect(p.Delete(ctx, admin, res.File.ID)).To(Succeed())
		Expect(used(alice)).To(BeZero())

		Expect(errs.KindOf(p.Delete(ctx, alice, res.File.ID))).To(Equal(errs.KindNotFound))
	})

	It("should enforce access and count foreign downloads", func() {
		res, err := upload(alice, "a.txt", []byte("private"))
		Expect(err).To(Succeed())

		_, err = p.Download(ctx, bob, res.File.ID)
		Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))

		_, err = p.Share(ctx, alice, sharing.ShareRequest{FileID: res.File.ID, ShareType: models.ShareUserSpecific, TargetUserID: ptr.String(bob.UserID)})
		Expect(err).To(Succeed())

		dl, err := p.Download(ctx, bob, res.File.ID)
		Expect(err).To(Succeed())
		dl.Body.Close()
		Expect(dl.File.DownloadCount).To(Equal(int64(1)))

		dl, err = p.Download(ctx, alice, res.File.ID)
		Expect(err).To(Succeed())
		dl.Body.Close()
		Expect(dl.File.DownloadCount).To(Equal(int64(1)))

		_, err = p.Unshare(ctx, alice, res.File.ID, nil)
		Expect(err).To(Succeed())
		_, err = p.Download(ctx, bob, res.File.ID)
		Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))
	})

	It("should download through a link", func() {
		res, err := upload(alice, "a.txt", []byte("linked"))
		Expect(err).To(Succeed())

		s := sharing.New(db, time.Hour, vaulttest.Logger())
		link, err := s.IssueDownloadLink(ctx, alice, res.File.ID)
		Expect(err).To(Succeed())

		dl, err := p.DownloadLink(ctx, alice, link.ID)
		Expect(err).To(Succeed())
		dl.Body.Close()

		_, err = p.DownloadLink(ctx, bob, link.ID)
		Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))
	})

	It("should audit every step", func() {
		res, err := upload(alice, "a.txt", []byte("audited"))
		Expect(err).To(Succeed())
		_, err = p.Share(ctx, alice, sharing.ShareRequest{FileID: res.File.ID, ShareType: models.SharePublic})
		Expect(err).To(Succeed())
		dl, err := p.Download(ctx, bob, res.File.ID)
		Expect(err).To(Succeed())
		dl.Body.Close()
		_, err = p.Unshare(ctx, alice, res.File.ID, nil)
		Expect(err).To(Succeed())
		Expect(p.Delete(ctx, alice, res.File.ID)).To(Succeed())

		entries, _, err := auditLog.List(ctx, audit.Filter{FileID: res.File.ID})
		Expect(err).To(Succeed())

		actions := []models.AuditAction{}
		for _, e := range entries {
			actions = append(actions, e.Action)
			Expect(e.FileName).To(Equal(audit.DeletedFileName))
		}
		Expect(actions).To(ConsistOf(
			models.AuditUpload, models.AuditShare, models.AuditDownload, models.AuditUnshare, models.AuditDelete,
		))
	})

	Context("concurrency", func() {
		It("should create one blob for identical concurrent uploads", func() {
			data := []byte("everyone uploads this")
			users := []models.Actor{alice, bob}
			for i := 0; i < 6; i++ {
				users = append(users, newUser(fmt.Sprintf("user%d", i), 100*kb))
			}

			var wg sync.WaitGroup
			for _, u := range users {
				for j := 0; j < 3; j++ {
					wg.Add(1)
					go func(u models.Actor, j int) {
						defer GinkgoRecover()
						defer wg.Done()
						_, err := upload(u, fmt.Sprintf("copy-%d.txt", j), data)
						Expect(err).To(Succeed())
					}(u, j)
				}
			}
			wg.Wait()

			var blobs int64
			Expect(db.Model(&models.ContentBlob{}).Count(&blobs).Error).To(Succeed())
			Expect(blobs).To(Equal(int64(1)))
			Expect(mem.Len()).To(Equal(1))

			var blob models.ContentBlob
			Expect(db.Take(&blob).Error).To(Succeed())
			Expect(blob.ReferenceCount).To(Equal(int64(len(users) * 3)))
			Expect(blob.ReferenceCount).To(Equal(liveRecords(blob.Hash)))
		})

		It("should never exceed quota under concurrent uploads", func() {
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted int64
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					data := bytes.Repeat([]byte{byte('a' + i)}, int(10*kb))
					_, err := upload(alice, fmt.Sprintf("f%d.bin", i), data)
					if err != nil {
						Expect(errs.KindOf(err)).To(Equal(errs.KindQuotaExceeded))
						return
					}
					mu.Lock()
					accepted++
					mu.Unlock()
				}(i)
			}
			wg.Wait()

			Expect(accepted).To(Equal(int64(10)))
			Expect(used(alice)).To(Equal(100 * kb))
		})

		It("should keep refcounts exact under concurrent upload and delete", func() {
			data := []byte("churn")
			seed, err := upload(alice, "seed.txt", data)
			Expect(err).To(Succeed())

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					res, err := upload(bob, fmt.Sprintf("c%d.txt", i), data)
					Expect(err).To(Succeed())
					if i%2 == 0 {
						Expect(p.Delete(ctx, bob, res.File.ID)).To(Succeed())
					}
				}(i)
			}
			wg.Wait()

			hash := seed.File.ContentHash
			Expect(blobRow(hash).ReferenceCount).To(Equal(liveRecords(hash)))
			Expect(liveRecords(hash)).To(Equal(int64(5)))
			Expect(used(bob)).To(Equal(int64(4 * len(data))))
		})
	})
})
