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

package database

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

var _ = Describe("list options", func() {
	DescribeTable("bounds",
		func(page, size, offset, limit int) {
			o, l := ListPagination{Page: page, PageSize: size}.Bounds()
			Expect(o).To(Equal(offset))
			Expect(l).To(Equal(limit))
		},
		Entry("defaults", 0, 0, 0, DefaultPageSize),
		Entry("second page", 2, 10, 10, 10),
		Entry("clamped", 1, 500, 0, MaxPageSize),
		Entry("negative page", -3, 5, 0, 5),
	)

	Context("against a database", func() {
		var db *gorm.DB

		BeforeEach(func() {
			var err error
			db, err = Open(newTestConfig())
			Expect(err).To(Succeed())
			Expect(Migrate(db)).To(Succeed())

			for i := 0; i < 5; i++ {
				Expect(db.Create(&models.FileRecord{OwnerID: "u1", ContentHash: "h", Filename: "f"}).Error).To(Succeed())
			}
			first := models.FileRecord{}
			Expect(db.First(&first).Error).To(Succeed())
			Expect(db.Delete(&first).Error).To(Succeed())
		})

		AfterEach(func() {
			Expect(Close(db)).To(Succeed())
		})

		It("should hide deleted rows by default", func() {
			var files []models.FileRecord
			opts := NewListOptions(Paginate(1, 10))
			Expect(db.Scopes(opts.Scopes()...).Find(&files).Error).To(Succeed())
			Expect(files).To(HaveLen(4))
		})

		It("should show deleted rows on request", func() {
			var files []models.FileRecord
			opts := NewListOptions(Paginate(1, 10), ShowDeleted())
			Expect(db.Scopes(opts.Scopes()...).Find(&files).Error).To(Succeed())
			Expect(files).To(HaveLen(5))
		})

		It("should paginate", func() {
			var files []models.FileRecord
			opts := NewListOptions(Paginate(2, 3))
			Expect(db.Scopes(opts.Scopes()...).Find(&files).Error).To(Succeed())
			Expect(files).To(HaveLen(1))
		})
	})
})
