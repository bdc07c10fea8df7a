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

// Package objstore is the adapter to an S3-compatible object store. It
// exposes exactly the operations the file lifecycle needs: bucket setup,
// presigned single-operation URLs, multipart upload sessions, direct byte
// transfer and prefix listing. The backend never retries; callers decide.
package objstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Bucket is the closed set of namespaces the service uses. The mapping to
// bucket names on the store is fixed.
type Bucket int

// All known buckets.
const (
	ProfileImages Bucket = iota
	VideoFiles
	UserFiles
	NotebookFiles
)

// Buckets lists every bucket, used for startup setup and debug reset.
var Buckets = []Bucket{ProfileImages, VideoFiles, UserFiles, NotebookFiles}

// Name returns the bucket name on the object store.
func (b Bucket) Name() string {
	switch b {
	case ProfileImages:
		return "avatars"
	case VideoFiles:
		return "videos"
	case UserFiles:
		return "userfiles"
	case NotebookFiles:
		return "notebookfiles"
	}
	return ""
}

// ParseBucket resolves a bucket name from the wire back into the enum.
func ParseBucket(name string) (Bucket, bool) {
	for _, b := range Buckets {
		if b.Name() == name {
			return b, true
		}
	}
	return 0, false
}

// MarshalJSON encodes the bucket as its store name.
func (b Bucket) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.Name() + `"`), nil
}

// UnmarshalJSON decodes a bucket from its store name.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	parsed, ok := ParseBucket(name)
	if !ok {
		return fmt.Errorf("unknown bucket %q", name)
	}
	*b = parsed
	return nil
}

// CompletedPart pairs a part number with the ETag the store returned for it.
type CompletedPart struct {
	PartNumber int64  `json:"part_number"`
	ETag       string `json:"e_tag"`
}

// ObjectInfo describes a single listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListResult carries one page of a delimited listing. Keys sharing a prefix
// up to the delimiter are folded into CommonPrefixes.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
}

// Backend is the object store adapter.
type Backend interface {
	// EnsureBucket creates the bucket if it does not exist. A bucket that
	// already exists and is owned by the caller is success.
	EnsureBucket(ctx context.Context, bucket Bucket) error

	// DeleteBucket removes a bucket. Only used by debug reset.
	DeleteBucket(ctx context.Context, bucket Bucket) error

	PresignGet(ctx context.Context, bucket Bucket, key string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, bucket Bucket, key string, ttl time.Duration) (string, error)

	StartMultipart(ctx context.Context, bucket Bucket, key string) (uploadID string, err error)
	PresignPart(ctx context.Context, bucket Bucket, key, uploadID string, partNumber int64, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, bucket Bucket, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, bucket Bucket, key, uploadID string) error

	Upload(ctx context.Context, bucket Bucket, key string, data []byte) error
	Download(ctx context.Context, bucket Bucket, key string) ([]byte, error)

	List(ctx context.Context, bucket Bucket, prefix, delimiter string) (ListResult, error)
	Delete(ctx context.Context, bucket Bucket, key string) error
}

// ConnectionError wraps transport failures (timeouts, unreachable store).
type ConnectionError struct {
	Err error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("object store connection failed: %v", e.Err)
}

// PresignError wraps failures while signing a URL.
type PresignError struct {
	Err error
}

func (e PresignError) Error() string {
	return fmt.Sprintf("presigning failed: %v", e.Err)
}

// BackendError wraps every other store failure.
type BackendError struct {
	Err error
}

func (e BackendError) Error() string {
	return fmt.Sprintf("object store error: %v", e.Err)
}

// InvalidUploadID is returned when the multipart session is unknown to the
// backend.
type InvalidUploadID struct {
	UploadID string
}

func (e InvalidUploadID) Error() string {
	return "invalid upload id " + e.UploadID
}

// ObjectNotFound is returned by Download for a missing key.
type ObjectNotFound struct {
	Bucket string
	Key    string
}

func (e ObjectNotFound) Error() string {
	return "object not found: " + e.Bucket + "/" + e.Key
}
