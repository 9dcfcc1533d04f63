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

package audit_test

import (
	"context"

	"github.com/gotidy/ptr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sid2001/FileVault/internal/vaulttest"
	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

var _ = Describe("Log", func() {
	var (
		ctx   context.Context
		db    *gorm.DB
		log   *audit.Log
		alice = models.Actor{UserID: "alice", IPAddress: "10.0.0.1", UserAgent: "curl/8"}
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		db, err = vaulttest.NewDB(GinkgoT().TempDir())
		Expect(err).To(Succeed())
		log = audit.New(db, vaulttest.Logger())
	})

	AfterEach(func() {
		Expect(database.Close(db)).To(Succeed())
	})

	It("should record and resolve file names", func() {
		live := &models.FileRecord{OwnerID: "alice", ContentHash: "h", Filename: "live.txt"}
		gone := &models.FileRecord{OwnerID: "alice", ContentHash: "h", Filename: "gone.txt"}
		Expect(db.Create(live).Error).To(Succeed())
		Expect(db.Create(gone).Error).To(Succeed())

		Expect(log.Record(ctx, alice, models.AuditRegister, nil)).To(Succeed())
		Expect(log.Record(ctx, alice, models.AuditUpload, ptr.String(live.ID))).To(Succeed())
		Expect(log.Record(ctx, alice, models.AuditUpload, ptr.String(gone.ID))).To(Succeed())
		Expect(log.Record(ctx, alice, models.AuditDelete, ptr.String(gone.ID))).To(Succeed())
		Expect(log.Record(ctx, alice, models.AuditDownload, ptr.String("purged"))).To(Succeed())
		Expect(db.Delete(gone).Error).To(Succeed())

		entries, total, err := log.List(ctx, audit.Filter{UserID: "alice"})
		Expect(err).To(Succeed())
		Expect(total).To(Equal(int64(5)))

		names := map[models.AuditAction][]string{}
		for _, e := range entries {
			names[e.Action] = append(names[e.Action], e.FileName)
			Expect(e.IPAddress).To(Equal("10.0.0.1"))
			Expect(e.UserAgent).To(Equal("curl/8"))
		}
		Expect(names[models.AuditRegister]).To(Equal([]string{""}))
		Expect(names[models.AuditUpload]).To(ConsistOf("live.txt", audit.DeletedFileName))
		Expect(names[models.AuditDelete]).To(Equal([]string{audit.DeletedFileName}))
		Expect(names[models.AuditDownload]).To(Equal([]string{audit.DeletedFileName}))
	})

	It("should filter and paginate", func() {
		for i := 0; i < 5; i++ {
			Expect(log.Record(ctx, alice, models.AuditDownload, ptr.String("f"))).To(Succeed())
		}
		Expect(log.Record(ctx, models.Actor{UserID: "bob"}, models.AuditUpload, nil)).To(Succeed())

		entries, total, err := log.List(ctx, audit.Filter{Action: models.AuditDownload}, database.Paginate(1, 2))
		Expect(err).To(Succeed())
		Expect(total).To(Equal(int64(5)))
		Expect(entries).To(HaveLen(2))

		entries, total, err = log.List(ctx, audit.Filter{UserID: "bob"})
		Expect(err).To(Succeed())
		Expect(total).To(Equal(int64(1)))
		Expect(entries[0].Action).To(Equal(models.AuditUpload))
	})
})
