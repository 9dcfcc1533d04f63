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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sid2001/FileVault/internal/vaulttest"
	"github.com/sid2001/FileVault/pkg/blobstore"
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"gorm.io/gorm"
)

func sum(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

type flakyBackend struct {
	blobstore.Backend
	mu       sync.Mutex
	failures int
}

func (f *flakyBackend) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errs.IO(io.ErrUnexpectedEOF, "delete")
	}
	return f.Backend.Delete(ctx, path)
}

var _ = Describe("Store", func() {
	var (
		ctx     context.Context
		db      *gorm.DB
		mem     *blobstore.Memory
		backend *flakyBackend
		store   *Store
		staging string
		clock   time.Time
	)

	put := func(data string) (*models.ContentBlob, bool, error) {
		return store.Put(ctx, PutRequest{Body: strings.NewReader(data), DeclaredSize: int64(len(data))})
	}

	refCount := func(hash string) int64 {
		blob := &models.ContentBlob{}
		Expect(db.Unscoped().Where("hash = ?", hash).Take(blob).Error).To(Succeed())
		return blob.ReferenceCount
	}

	acquire := func(hash string) {
		Expect(db.Transaction(func(tx *gorm.DB) error {
			return store.AcquireRef(tx, hash)
		})).To(Succeed())
	}

	release := func(hash string) {
		Expect(db.Transaction(func(tx *gorm.DB) error {
			return store.ReleaseRef(tx, hash)
		})).To(Succeed())
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		db, err = vaulttest.NewDB(GinkgoT().TempDir())
		Expect(err).To(Succeed())

		mem = blobstore.NewMemory()
		backend = &flakyBackend{Backend: mem}
		staging = GinkgoT().TempDir()
		clock = time.Now().UTC()

		store, err = New(db, backend, Config{
			StagingDir: staging,
			ChunkSize:  4,
			IOTimeout:  time.Second,
			Grace:      time.Hour,
			StagingTTL: time.Hour,
		}, vaulttest.Logger())
		Expect(err).To(Succeed())
		store.now = func() time.Time { return clock }
	})

	AfterEach(func() {
		Expect(database.Close(db)).To(Succeed())
	})

	Context("put", func() {
		It("should store new content once", func() {
			blob, isNew, err := put("hello world")
			Expect(err).To(Succeed())
			Expect(isNew).To(BeTrue())
			Expect(blob.Hash).To(Equal(sum("hello world")))
			Expect(blob.Size).To(Equal(int64(11)))
			Expect(blob.ReferenceCount).To(BeZero())
			Expect(blob.PhysicalPath).To(Equal(filepath.Join(blob.Hash[:2], blob.Hash[2:4], blob.Hash)))

			again, isNew, err := put("hello world")
			Expect(err).To(Succeed())
			Expect(isNew).To(BeFalse())
			Expect(again.Hash).To(Equal(blob.Hash))
			Expect(mem.Len()).To(Equal(1))

			var count int64
			Expect(db.Model(&models.ContentBlob{}).Count(&count).Error).To(Succeed())
			Expect(count).To(Equal(int64(1)))
		})

		It("should reject a size mismatch", func() {
			_, _, err := store.Put(ctx, PutRequest{Body: strings.NewReader("abc"), DeclaredSize: 10})
			Expect(errs.KindOf(err)).To(Equal(errs.KindCorruptUpload))
		})

		It("should skip the size check when undeclared", func() {
			_, isNew, err := store.Put(ctx, PutRequest{Body: strings.NewReader("abc"), DeclaredSize: -1})
			Expect(err).To(Succeed())
			Expect(isNew).To(BeTrue())
		})

		It("should reject a digest mismatch", func() {
			_, _, err := store.Put(ctx, PutRequest{
				Body:           strings.NewReader("abc"),
				DeclaredSize:   3,
				ExpectedSHA256: sum("abd"),
			})
			Expect(errs.KindOf(err)).To(Equal(errs.KindCorruptUpload))
		})

		It("should accept a matching digest in any case", func() {
			_, _, err := store.Put(ctx, PutRequest{
				Body:           strings.NewReader("abc"),
				DeclaredSize:   3,
				ExpectedSHA256: strings.ToUpper(sum("abc")),
			})
			Expect(err).To(Succeed())
		})

		It("should reject empty uploads", func() {
			_, _, err := put("")
			Expect(errs.KindOf(err)).To(Equal(errs.KindInvalidInput))
		})

		It("should leave nothing in staging", func() {
			_, _, err := put("staged")
			Expect(err).To(Succeed())
			_, _, err = store.Put(ctx, PutRequest{Body: strings.NewReader("bad"), DeclaredSize: 99})
			Expect(err).To(HaveOccurred())

			entries, err := os.ReadDir(staging)
			Expect(err).To(Succeed())
			Expect(entries).To(BeEmpty())
		})

		It("should resolve mime types", func() {
			blob, _, err := store.Put(ctx, PutRequest{
				Body:         strings.NewReader("plain text body"),
				DeclaredSize: -1,
				DeclaredMime: "Text/Markdown; charset=utf-8",
			})
			Expect(err).To(Succeed())
			Expect(blob.MimeType).To(Equal("text/markdown"))

			png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
			blob, _, err = store.Put(ctx, PutRequest{
				Body:         bytes.NewReader(png),
				DeclaredSize: -1,
				DeclaredMime: DefaultMime,
			})
			Expect(err).To(Succeed())
			Expect(blob.MimeType).To(Equal("image/png"))
		})

		It("should create exactly one blob under concurrent identical puts", func() {
			const workers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, isNew, err := put("same bytes everywhere")
					Expect(err).To(Succeed())
					if isNew {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(created).To(Equal(1))
			Expect(mem.Len()).To(Equal(1))
			Expect(store.locks.size()).To(BeZero())
		})
	})

	Context("references", func() {
		It("should count references", func() {
			blob, _, err := put("refs")
			Expect(err).To(Succeed())

			acquire(blob.Hash)
			acquire(blob.Hash)
			Expect(refCount(blob.Hash)).To(Equal(int64(2)))

			release(blob.Hash)
			Expect(refCount(blob.Hash)).To(Equal(int64(1)))

			release(blob.Hash)
			release(blob.Hash)
			Expect(refCount(blob.Hash)).To(BeZero())

			got, err := store.Get(ctx, blob.Hash)
			Expect(err).To(Succeed())
			Expect(got.ZeroRefSince).ToNot(BeNil())
		})

		It("should clear the zero ref stamp on acquire", func() {
			blob, _, err := put("stamp")
			Expect(err).To(Succeed())
			Expect(blob.ZeroRefSince).ToNot(BeNil())

			acquire(blob.Hash)
			got, err := store.Get(ctx, blob.Hash)
			Expect(err).To(Succeed())
			Expect(got.ZeroRefSince).To(BeNil())
		})

		It("should report missing blobs", func() {
			err := db.Transaction(func(tx *gorm.DB) error {
				return store.AcquireRef(tx, sum("missing"))
			})
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))
		})
	})

	Context("open", func() {
		It("should return the stored bytes", func() {
			blob, _, err := put("read me back")
			Expect(err).To(Succeed())

			got, rc, err := store.Open(ctx, blob.Hash)
			Expect(err).To(Succeed())
			defer rc.Close()
			data, err := io.ReadAll(rc)
			Expect(err).To(Succeed())
			Expect(string(data)).To(Equal("read me back"))
			Expect(got.Size).To(Equal(int64(12)))
		})

		It("should not find unknown hashes", func() {
			_, _, err := store.Open(ctx, sum("nope"))
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))
		})
	})

	Context("sweep", func() {
		It("should keep referenced blobs", func() {
			blob, _, err := put("keep")
			Expect(err).To(Succeed())
			acquire(blob.Hash)

			clock = clock.Add(2 * time.Hour)
			removed, err := store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(BeZero())
			Expect(mem.Len()).To(Equal(1))
		})

		It("should wait out the grace period", func() {
			blob, _, err := put("grace")
			Expect(err).To(Succeed())
			acquire(blob.Hash)
			release(blob.Hash)

			clock = clock.Add(30 * time.Minute)
			removed, err := store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(BeZero())

			clock = clock.Add(time.Hour)
			removed, err = store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(Equal(1))
			Expect(mem.Len()).To(BeZero())

			_, err = store.Get(ctx, blob.Hash)
			Expect(errs.KindOf(err)).To(Equal(errs.KindNotFound))
		})

		It("should collect orphans from failed uploads", func() {
			_, _, err := put("orphan")
			Expect(err).To(Succeed())

			clock = clock.Add(2 * time.Hour)
			removed, err := store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(Equal(1))
		})

		It("should refresh the grace period on a dedup hit", func() {
			_, _, err := put("refresh")
			Expect(err).To(Succeed())

			clock = clock.Add(50 * time.Minute)
			_, isNew, err := put("refresh")
			Expect(err).To(Succeed())
			Expect(isNew).To(BeFalse())

			clock = clock.Add(50 * time.Minute)
			removed, err := store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(BeZero())
		})

		It("should retry failed deletes on the next run", func() {
			blob, _, err := put("flaky")
			Expect(err).To(Succeed())
			backend.failures = 10

			clock = clock.Add(2 * time.Hour)
			removed, err := store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(BeZero())
			Expect(mem.Len()).To(Equal(1))

			tombstoned := &models.ContentBlob{}
			Expect(db.Unscoped().Where("hash = ?", blob.Hash).Take(tombstoned).Error).To(Succeed())
			Expect(tombstoned.DeletedAt.Valid).To(BeTrue())

			backend.failures = 0
			removed, err = store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(Equal(1))
			Expect(mem.Len()).To(BeZero())
		})

		It("should revive a tombstoned blob", func() {
			blob, _, err := put("revive")
			Expect(err).To(Succeed())
			backend.failures = 10

			clock = clock.Add(2 * time.Hour)
			_, err = store.Sweep(ctx)
			Expect(err).To(Succeed())
			backend.failures = 0

			revived, isNew, err := put("revive")
			Expect(err).To(Succeed())
			Expect(isNew).To(BeTrue())
			Expect(revived.Hash).To(Equal(blob.Hash))
			Expect(revived.DeletedAt.Valid).To(BeFalse())
			acquire(revived.Hash)

			removed, err := store.Sweep(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(BeZero())
			Expect(mem.Len()).To(Equal(1))
		})
	})

	Context("reap staging", func() {
		It("should only remove stale upload files", func() {
			stale := filepath.Join(staging, stagingPrefix+"stale")
			fresh := filepath.Join(staging, stagingPrefix+"fresh")
			other := filepath.Join(staging, "keep.txt")
			for _, f := range []string{stale, fresh, other} {
				Expect(os.WriteFile(f, []byte("x"), 0600)).To(Succeed())
			}
			old := clock.Add(-2 * time.Hour)
			Expect(os.Chtimes(stale, old, old)).To(Succeed())
			Expect(os.Chtimes(other, old, old)).To(Succeed())

			removed, err := store.ReapStaging(ctx)
			Expect(err).To(Succeed())
			Expect(removed).To(Equal(1))
			Expect(fresh).To(BeAnExistingFile())
			Expect(other).To(BeAnExistingFile())
			Expect(stale).ToNot(BeAnExistingFile())
		})
	})

	Context("duplicates and usage", func() {
		It("should list blobs shared by several records", func() {
			one, _, err := put("one")
			Expect(err).To(Succeed())
			two, _, err := put("two")
			Expect(err).To(Succeed())

			acquire(one.Hash)
			acquire(two.Hash)
			acquire(two.Hash)
			acquire(two.Hash)

			dups, err := store.ListDuplicates(ctx, 10, 0)
			Expect(err).To(Succeed())
			Expect(dups).To(HaveLen(1))
			Expect(dups[0].Hash).To(Equal(two.Hash))
			Expect(dups[0].ReferenceCount).To(Equal(int64(3)))

			size, count, err := store.PhysicalUsage(ctx)
			Expect(err).To(Succeed())
			Expect(size).To(Equal(int64(6)))
			Expect(count).To(Equal(int64(2)))
		})
	})
})
