/*
 * Genbu File Service, (C) 2023 Genbu Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data    []byte
	modTime time.Time
}

type memUpload struct {
	bucket Bucket
	key    string
	parts  map[int64][]byte
	etags  map[int64]string
}

// MemBackend is an in-memory Backend used in tests. Presigned URLs are
// synthetic mem:// tokens; parts are staged through PutPart, which stands in
// for the client PUT against a part URL.
type MemBackend struct {
	mu      sync.Mutex
	buckets map[string]map[string]memObject
	uploads map[string]*memUpload
	nextID  int
}

// NewMemBackend returns a fresh empty backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		buckets: make(map[string]map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

func (m *MemBackend) bucket(b Bucket) (map[string]memObject, error) {
	objs, ok := m.buckets[b.Name()]
	if !ok {
		return nil, BackendError{Err: fmt.Errorf("bucket %q does not exist", b.Name())}
	}
	return objs, nil
}

// EnsureBucket creates the bucket map if missing.
func (m *MemBackend) EnsureBucket(ctx context.Context, b Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[b.Name()]; !ok {
		m.buckets[b.Name()] = make(map[string]memObject)
	}
	return nil
}

// DeleteBucket drops the bucket and its contents.
func (m *MemBackend) DeleteBucket(ctx context.Context, b Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, b.Name())
	return nil
}

// PresignGet returns a synthetic URL for the object.
func (m *MemBackend) PresignGet(ctx context.Context, b Bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("mem://%s/%s?op=get&expires=%d", b.Name(), key, int64(ttl.Seconds())), nil
}

// PresignPut returns a synthetic URL for the object.
func (m *MemBackend) PresignPut(ctx context.Context, b Bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("mem://%s/%s?op=put&expires=%d", b.Name(), key, int64(ttl.Seconds())), nil
}

// StartMultipart opens a staged multipart session.
func (m *MemBackend) StartMultipart(ctx context.Context, b Bucket, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.bucket(b); err != nil {
		return "", err
	}
	m.nextID++
	uploadID := fmt.Sprintf("mem-upload-%d", m.nextID)
	m.uploads[uploadID] = &memUpload{
		bucket: b,
		key:    key,
		parts:  make(map[int64][]byte),
		etags:  make(map[int64]string),
	}
	return uploadID, nil
}

// PresignPart returns a synthetic part URL.
func (m *MemBackend) PresignPart(ctx context.Context, b Bucket, key, uploadID string, partNumber int64, ttl time.Duration) (string, error) {
	if partNumber < minPartNumber || partNumber > maxPartNumber {
		return "", PresignError{Err: fmt.Errorf("part number %d out of range", partNumber)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return "", PresignError{Err: InvalidUploadID{UploadID: uploadID}}
	}
	return fmt.Sprintf("mem://%s/%s?uploadId=%s&partNumber=%d", b.Name(), key, uploadID, partNumber), nil
}

// PutPart stages part data as if the client had PUT it against the part URL,
// returning the ETag the store would respond with.
func (m *MemBackend) PutPart(uploadID string, partNumber int64, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", InvalidUploadID{UploadID: uploadID}
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	up.parts[partNumber] = append([]byte(nil), data...)
	up.etags[partNumber] = etag
	return etag, nil
}

// CompleteMultipart concatenates the acknowledged parts into the object.
func (m *MemBackend) CompleteMultipart(ctx context.Context, b Bucket, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return InvalidUploadID{UploadID: uploadID}
	}
	objs, err := m.bucket(b)
	if err != nil {
		return err
	}
	var data []byte
	for _, part := range parts {
		staged, ok := up.parts[part.PartNumber]
		if !ok || up.etags[part.PartNumber] != part.ETag {
			return BackendError{Err: fmt.Errorf("part %d not uploaded or etag mismatch", part.PartNumber)}
		}
		data = append(data, staged...)
	}
	objs[key] = memObject{data: data, modTime: time.Now().UTC()}
	delete(m.uploads, uploadID)
	return nil
}

// AbortMultipart discards the session.
func (m *MemBackend) AbortMultipart(ctx context.Context, b Bucket, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return InvalidUploadID{UploadID: uploadID}
	}
	delete(m.uploads, uploadID)
	return nil
}

// HasUpload reports whether a multipart session is still open.
func (m *MemBackend) HasUpload(uploadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.uploads[uploadID]
	return ok
}

// Upload writes the object directly.
func (m *MemBackend) Upload(ctx context.Context, b Bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, err := m.bucket(b)
	if err != nil {
		return err
	}
	objs[key] = memObject{data: append([]byte(nil), data...), modTime: time.Now().UTC()}
	return nil
}

// Download reads the object.
func (m *MemBackend) Download(ctx context.Context, b Bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, err := m.bucket(b)
	if err != nil {
		return nil, err
	}
	obj, ok := objs[key]
	if !ok {
		return nil, ObjectNotFound{Bucket: b.Name(), Key: key}
	}
	return append([]byte(nil), obj.data...), nil
}

// List folds keys under prefix at the first delimiter, like S3.
func (m *MemBackend) List(ctx context.Context, b Bucket, prefix, delimiter string) (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, err := m.bucket(b)
	if err != nil {
		return ListResult{}, err
	}
	var result ListResult
	seenPrefixes := make(map[string]bool)
	keys := make([]string, 0, len(objs))
	for key := range objs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				common := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[common] {
					seenPrefixes[common] = true
					result.CommonPrefixes = append(result.CommonPrefixes, common)
				}
				continue
			}
		}
		obj := objs[key]
		result.Objects = append(result.Objects, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modTime,
		})
	}
	return result, nil
}

// Delete removes the key; missing keys are success.
func (m *MemBackend) Delete(ctx context.Context, b Bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, err := m.bucket(b)
	if err != nil {
		return err
	}
	delete(objs, key)
	return nil
}
