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

package catalog

import (
	"context"
	"time"

	"github.com/gotidy/ptr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sid2001/FileVault/internal/vaulttest"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

var _ = Describe("Catalog", func() {
	var (
		ctx   context.Context
		db    *gorm.DB
		cat   *Catalog
		alice = models.Actor{UserID: "alice", Role: models.RoleUser}
		bob   = models.Actor{UserID: "bob", Role: models.RoleUser}
		admin = models.Actor{UserID: "root", Role: models.RoleAdmin}
	)

	blob := func(hash, mime string, size int64) {
		Expect(db.Create(&models.ContentBlob{Hash: hash, Size: size, MimeType: mime, PhysicalPath: hash, ReferenceCount: 1}).Error).To(Succeed())
	}

	create := func(req CreateRequest) *models.FileRecord {
		var record *models.FileRecord
		Expect(db.Transaction(func(tx *gorm.DB) (err error) {
			record, err = cat.Create(tx, req)
			return err
		})).To(Succeed())
		return record
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		db, err = vaulttest.NewDB(GinkgoT().TempDir())
		Expect(err).To(Succeed())
		cat = New(db, vaulttest.Logger())

		blob("h-text", "text/plain", 100)
		blob("h-image", "image/png", 5000)
	})

	AfterEach(func() {
		Expect(database.Close(db)).To(Succeed())
	})

	Context("create", func() {
		It("should sanitize names and normalize tags", func() {
			record := create(CreateRequest{
				OwnerID:     "alice",
				ContentHash: "h-text",
				Filename:    "notes/today.txt",
				Tags:        []string{"Work", "work", "todo"},
			})
			Expect(record.Filename).To(Equal("notes_today.txt"))

			got, err := cat.Get(ctx, record.ID)
			Expect(err).To(Succeed())
			Expect(got.TagNames()).To(ConsistOf("work", "todo"))
			Expect(got.Content.MimeType).To(Equal("text/plain"))
		})

		It("should reject blank names", func() {
			err := db.Transaction(func(tx *gorm.DB) error {
				_, err := cat.Create(tx, CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "  "})
				return err
			})
			Expect(errs.KindOf(err)).To(Equal(errs.KindInvalidInput))
		})

		It("should mirror the public flag into a grant", func() {
			record := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "pub.txt", IsPublic: true})

			var grants []models.ShareGrant
			Expect(db.Where("file_id = ?", record.ID).Find(&grants).Error).To(Succeed())
			Expect(grants).To(HaveLen(1))
			Expect(grants[0].ShareType).To(Equal(models.SharePublic))
		})

		It("should replace a lapsed public grant when republished", func() {
			record := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "pub.txt", IsPublic: true})
			Expect(db.Model(&models.ShareGrant{}).Where("file_id = ?", record.ID).
				Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error).To(Succeed())

			got, err := cat.Update(ctx, alice, record.ID, Patch{IsPublic: ptr.Bool(true)})
			Expect(err).To(Succeed())
			Expect(got.IsPublic).To(BeTrue())

			var grants []models.ShareGrant
			Expect(db.Where("file_id = ?", record.ID).Find(&grants).Error).To(Succeed())
			Expect(grants).To(HaveLen(1))
			Expect(grants[0].ShareType).To(Equal(models.SharePublic))
			Expect(grants[0].ExpiresAt).To(BeNil())
		})

		It("should refuse another user's private folder", func() {
			folder, err := cat.CreateFolder(ctx, bob, "private", nil, false)
			Expect(err).To(Succeed())

			err = db.Transaction(func(tx *gorm.DB) error {
				_, err := cat.Create(tx, CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "a.txt", FolderID: ptr.String(folder.ID)})
				return err
			})
			Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))
		})

		It("should accept a public folder", func() {
			folder, err := cat.CreateFolder(ctx, bob, "drop box", nil, true)
			Expect(err).To(Succeed())
			record := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "a.txt", FolderID: ptr.String(folder.ID)})
			Expect(*record.FolderID).To(Equal(folder.ID))
		})
	})

	Context("update", func() {
		var record *models.FileRecord

		BeforeEach(func() {
			record = create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "a.txt", Tags: []string{"x"}})
		})

		It("should patch mutable fields", func() {
			tags := []string{"y", "z"}
			got, err := cat.Update(ctx, alice, record.ID, Patch{
				Filename: ptr.String("b.txt"),
				Tags:     &tags,
				IsPublic: ptr.Bool(true),
			})
			Expect(err).To(Succeed())
			Expect(got.Filename).To(Equal("b.txt"))
			Expect(got.IsPublic).To(BeTrue())
			Expect(got.TagNames()).To(ConsistOf("y", "z"))
			Expect(got.ContentHash).To(Equal("h-text"))

			var count int64
			Expect(db.Model(&models.ShareGrant{}).Where("file_id = ? AND share_type = ?", record.ID, models.SharePublic).Count(&count).Error).To(Succeed())
			Expect(count).To(Equal(int64(1)))

			_, err = cat.Update(ctx, alice, record.ID, Patch{IsPublic: ptr.Bool(false)})
			Expect(err).To(Succeed())
			Expect(db.Model(&models.ShareGrant{}).Where("file_id = ?", record.ID).Count(&count).Error).To(Succeed())
			Expect(count).To(BeZero())
		})

		It("should forbid other users", func() {
			_, err := cat.Update(ctx, bob, record.ID, Patch{Filename: ptr.String("mine.txt")})
			Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))
		})

		It("should allow admins", func() {
			got, err := cat.Update(ctx, admin, record.ID, Patch{Filename: ptr.String("moderated.txt")})
			Expect(err).To(Succeed())
			Expect(got.Filename).To(Equal("moderated.txt"))
		})

		It("should move between folders and back to root", func() {
			folder, err := cat.CreateFolder(ctx, alice, "docs", nil, false)
			Expect(err).To(Succeed())

			got, err := cat.Update(ctx, alice, record.ID, Patch{FolderID: ptr.String(folder.ID)})
			Expect(err).To(Succeed())
			Expect(*got.FolderID).To(Equal(folder.ID))

			got, err = cat.Update(ctx, alice, record.ID, Patch{MoveToRoot: true})
			Expect(err).To(Succeed())
			Expect(got.FolderID).To(BeNil())
		})
	})

	Context("delete", func() {
		It("should tombstone the record", func() {
			record := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "a.txt", IsPublic: true})

			Expect(db.Transaction(func(tx *gorm.DB) error {
				deleted, err := cat.Delete(tx, record.ID)
				if err == nil {
					Expect(deleted.Content.Size).To(Equal(int64(100)))
				}
				return err
			})).To(Succeed())

			_, err := cat.Get(ctx, record.ID)
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))

			tomb, err := cat.GetUnscoped(ctx, record.ID)
			Expect(err).To(Succeed())
			Expect(tomb.DeletedAt.Valid).To(BeTrue())

			var grants int64
			Expect(db.Model(&models.ShareGrant{}).Where("file_id = ?", record.ID).Count(&grants).Error).To(Succeed())
			Expect(grants).To(BeZero())
		})

		It("should purge old tombstones", func() {
			record := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "a.txt", Tags: []string{"t"}})
			Expect(db.Transaction(func(tx *gorm.DB) error {
				_, err := cat.Delete(tx, record.ID)
				return err
			})).To(Succeed())

			purged, err := cat.PurgeTombstones(ctx, time.Now().Add(-time.Hour))
			Expect(err).To(Succeed())
			Expect(purged).To(BeZero())

			purged, err = cat.PurgeTombstones(ctx, time.Now().Add(time.Minute))
			Expect(err).To(Succeed())
			Expect(purged).To(Equal(int64(1)))

			_, err = cat.GetUnscoped(ctx, record.ID)
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))

			var tags int64
			Expect(db.Model(&models.FileTag{}).Count(&tags).Error).To(Succeed())
			Expect(tags).To(BeZero())
		})

		It("should list tombstones only when asked", func() {
			kept := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "kept.txt"})
			gone := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "gone.txt"})
			Expect(db.Transaction(func(tx *gorm.DB) error {
				_, err := cat.Delete(tx, gone.ID)
				return err
			})).To(Succeed())

			records, total, err := cat.List(ctx, Filter{OwnerID: "alice"})
			Expect(err).To(Succeed())
			Expect(total).To(Equal(int64(1)))
			Expect(records[0].ID).To(Equal(kept.ID))

			records, total, err = cat.List(ctx, Filter{OwnerID: "alice"}, database.ShowDeleted())
			Expect(err).To(Succeed())
			Expect(total).To(Equal(int64(2)))
			ids := []string{records[0].ID, records[1].ID}
			Expect(ids).To(ConsistOf(kept.ID, gone.ID))
		})
	})

	Context("list", func() {
		var docs *models.Folder

		BeforeEach(func() {
			var err error
			docs, err = cat.CreateFolder(ctx, alice, "docs", nil, false)
			Expect(err).To(Succeed())

			create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "Quarterly_Report.txt", Tags: []string{"work"}})
			create(CreateRequest{OwnerID: "alice", ContentHash: "h-image", Filename: "holiday.png", Tags: []string{"family"}, IsPublic: true})
			create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "todo.txt", FolderID: ptr.String(docs.ID)})
			create(CreateRequest{OwnerID: "bob", ContentHash: "h-text", Filename: "bob.txt"})
		})

		DescribeTable("filters",
			func(filter func() Filter, expected ...string) {
				records, total, err := cat.List(ctx, filter())
				Expect(err).To(Succeed())
				Expect(total).To(Equal(int64(len(expected))))

				names := []string{}
				for _, r := range records {
					names = append(names, r.Filename)
				}
				Expect(names).To(ConsistOf(expected))
			},
			Entry("owner", func() Filter { return Filter{OwnerID: "alice"} }, "Quarterly_Report.txt", "holiday.png", "todo.txt"),
			Entry("search is case insensitive", func() Filter { return Filter{OwnerID: "alice", Search: "report"} }, "Quarterly_Report.txt"),
			Entry("search treats wildcards literally", func() Filter { return Filter{OwnerID: "alice", Search: "%"} }),
			Entry("mime prefix", func() Filter { return Filter{OwnerID: "alice", MimeType: "image/"} }, "holiday.png"),
			Entry("size range", func() Filter { return Filter{OwnerID: "alice", SizeMin: ptr.Int64(1000), SizeMax: ptr.Int64(10000)} }, "holiday.png"),
			Entry("root only", func() Filter { return Filter{OwnerID: "alice", RootOnly: true} }, "Quarterly_Report.txt", "holiday.png"),
			Entry("public", func() Filter { return Filter{IsPublic: ptr.Bool(true)} }, "holiday.png"),
			Entry("tags overlap", func() Filter { return Filter{OwnerID: "alice", Tags: []string{"work", "family"}} }, "Quarterly_Report.txt", "holiday.png"),
			Entry("date window", func() Filter {
				return Filter{OwnerID: "bob", DateFrom: ptr.Time(time.Now().Add(-time.Hour)), DateTo: ptr.Time(time.Now().Add(time.Hour))}
			}, "bob.txt"),
			Entry("future window", func() Filter { return Filter{OwnerID: "bob", DateFrom: ptr.Time(time.Now().Add(time.Hour))} }),
		)

		It("should filter by folder", func() {
			records, _, err := cat.List(ctx, Filter{OwnerID: "alice", FolderID: ptr.String(docs.ID)})
			Expect(err).To(Succeed())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Filename).To(Equal("todo.txt"))
		})

		It("should paginate newest first", func() {
			records, total, err := cat.List(ctx, Filter{OwnerID: "alice"}, database.Paginate(1, 2))
			Expect(err).To(Succeed())
			Expect(total).To(Equal(int64(3)))
			Expect(records).To(HaveLen(2))
			Expect(records[0].CreatedAt).To(BeTemporally(">=", records[1].CreatedAt))

			rest, _, err := cat.List(ctx, Filter{OwnerID: "alice"}, database.Paginate(2, 2))
			Expect(err).To(Succeed())
			Expect(rest).To(HaveLen(1))
		})
	})

	Context("folders", func() {
		It("should reject cycles", func() {
			a, err := cat.CreateFolder(ctx, alice, "a", nil, false)
			Expect(err).To(Succeed())
			b, err := cat.CreateFolder(ctx, alice, "b", ptr.String(a.ID), false)
			Expect(err).To(Succeed())
			c, err := cat.CreateFolder(ctx, alice, "c", ptr.String(b.ID), false)
			Expect(err).To(Succeed())

			_, err = cat.MoveFolder(ctx, alice, a.ID, ptr.String(c.ID))
			Expect(errs.KindOf(err)).To(Equal(errs.KindInvalidInput))

			_, err = cat.MoveFolder(ctx, alice, a.ID, ptr.String(a.ID))
			Expect(errs.KindOf(err)).To(Equal(errs.KindInvalidInput))

			moved, err := cat.MoveFolder(ctx, alice, c.ID, nil)
			Expect(err).To(Succeed())
			Expect(moved.ParentFolderID).To(BeNil())

			roots, err := cat.ListFolders(ctx, "alice", nil)
			Expect(err).To(Succeed())
			Expect(roots).To(HaveLen(2))
		})

		It("should keep trees per owner", func() {
			mine, err := cat.CreateFolder(ctx, alice, "mine", nil, false)
			Expect(err).To(Succeed())
			theirs, err := cat.CreateFolder(ctx, bob, "theirs", nil, false)
			Expect(err).To(Succeed())

			_, err = cat.MoveFolder(ctx, alice, mine.ID, ptr.String(theirs.ID))
			Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))

			_, err = cat.CreateFolder(ctx, alice, "sub", ptr.String(theirs.ID), false)
			Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))

			_, err = cat.GetFolder(ctx, alice, theirs.ID)
			Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))

			_, err = cat.GetFolder(ctx, admin, theirs.ID)
			Expect(err).To(Succeed())
		})

		It("should rename", func() {
			f, err := cat.CreateFolder(ctx, alice, "old", nil, false)
			Expect(err).To(Succeed())
			f, err = cat.RenameFolder(ctx, alice, f.ID, "new")
			Expect(err).To(Succeed())
			Expect(f.Name).To(Equal("new"))

			_, err = cat.RenameFolder(ctx, bob, f.ID, "stolen")
			Expect(errs.KindOf(err)).To(Equal(errs.KindForbidden))
		})

		It("should only delete empty folders", func() {
			f, err := cat.CreateFolder(ctx, alice, "full", nil, false)
			Expect(err).To(Succeed())
			record := create(CreateRequest{OwnerID: "alice", ContentHash: "h-text", Filename: "a.txt", FolderID: ptr.String(f.ID)})

			Expect(errs.KindOf(cat.DeleteFolder(ctx, alice, f.ID))).To(Equal(errs.KindInvalidInput))

			Expect(db.Transaction(func(tx *gorm.DB) error {
				_, err := cat.Delete(tx, record.ID)
				return err
			})).To(Succeed())

			Expect(cat.DeleteFolder(ctx, alice, f.ID)).To(Succeed())
			_, err = cat.GetFolder(ctx, alice, f.ID)
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))
		})
	})
})
