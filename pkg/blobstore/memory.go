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
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/sid2001/FileVault/pkg/errs"
)

// Memory is an in-process backend used by tests and storage.type=memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Backend = &Memory{}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, path string, data io.Reader) (int64, error) {
	buf := &bytes.Buffer{}
	n, err := io.Copy(buf, &ctxReader{ctx: ctx, r: data})
	if err != nil {
		return n, errs.IO(err, "read blob data", "path", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = buf.Bytes()

	return n, nil
}

func (m *Memory) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[path]
	if !ok {
		return nil, errs.NotFound("blob", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, path)
	return nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[path]
	return ok, nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
