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
	"bytes"
	"context"
	"testing"
)

func initMemBackend(t *testing.T) *MemBackend {
	t.Helper()
	backend := NewMemBackend()
	for _, bucket := range Buckets {
		if err := backend.EnsureBucket(context.Background(), bucket); err != nil {
			t.Fatal("Unexpected err: ", err)
		}
	}
	return backend
}

func TestBucketNames(t *testing.T) {
	testCases := []struct {
		bucket Bucket
		name   string
	}{
		{ProfileImages, "avatars"},
		{VideoFiles, "videos"},
		{UserFiles, "userfiles"},
		{NotebookFiles, "notebookfiles"},
	}
	for i, testCase := range testCases {
		if got := testCase.bucket.Name(); got != testCase.name {
			t.Errorf("Test %d: expected %q, got %q", i+1, testCase.name, got)
		}
		parsed, ok := ParseBucket(testCase.name)
		if !ok || parsed != testCase.bucket {
			t.Errorf("Test %d: parse round-trip failed for %q", i+1, testCase.name)
		}
	}
	if _, ok := ParseBucket("unknown"); ok {
		t.Error("parsed an unknown bucket name")
	}
}

func TestMemMultipartRoundTrip(t *testing.T) {
	backend := initMemBackend(t)
	ctx := context.Background()

	uploadID, err := backend.StartMultipart(ctx, UserFiles, `u\file.bin`)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	etag1, err := backend.PutPart(uploadID, 1, []byte("hello "))
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	etag2, err := backend.PutPart(uploadID, 2, []byte("world"))
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	err = backend.CompleteMultipart(ctx, UserFiles, `u\file.bin`, uploadID, []CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	data, err := backend.Download(ctx, UserFiles, `u\file.bin`)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if !bytes.Equal(data, []byte("hello world")) {
		t.Fatalf("unexpected content %q", data)
	}
	// The session is gone after completion.
	if err := backend.AbortMultipart(ctx, UserFiles, `u\file.bin`, uploadID); err == nil {
		t.Fatal("expected completed session to be unknown")
	}
}

func TestMemCompleteMultipartBadETag(t *testing.T) {
	backend := initMemBackend(t)
	ctx := context.Background()

	uploadID, err := backend.StartMultipart(ctx, UserFiles, "k")
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if _, err := backend.PutPart(uploadID, 1, []byte("data")); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	err = backend.CompleteMultipart(ctx, UserFiles, "k", uploadID, []CompletedPart{
		{PartNumber: 1, ETag: "wrong"},
	})
	if err == nil {
		t.Fatal("expected etag mismatch to fail the commit")
	}
	// A failed commit leaves the session open for a retry.
	if !backend.HasUpload(uploadID) {
		t.Fatal("failed commit discarded the session")
	}
}

func TestMemListDelimiter(t *testing.T) {
	backend := initMemBackend(t)
	ctx := context.Background()

	keys := []string{`u\a.txt`, `u\docs\b.txt`, `u\docs\c.txt`, `u\media\d.bin`, `v\other.txt`}
	for _, key := range keys {
		if err := backend.Upload(ctx, UserFiles, key, []byte("x")); err != nil {
			t.Fatal("Unexpected err: ", err)
		}
	}

	result, err := backend.List(ctx, UserFiles, `u\`, `\`)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if len(result.Objects) != 1 || result.Objects[0].Key != `u\a.txt` {
		t.Fatalf("unexpected objects %+v", result.Objects)
	}
	if len(result.CommonPrefixes) != 2 {
		t.Fatalf("expected 2 common prefixes, got %+v", result.CommonPrefixes)
	}
	want := map[string]bool{`u\docs\`: true, `u\media\`: true}
	for _, cp := range result.CommonPrefixes {
		if !want[cp] {
			t.Errorf("unexpected common prefix %q", cp)
		}
	}
}

func TestMemDeleteIsIdempotent(t *testing.T) {
	backend := initMemBackend(t)
	ctx := context.Background()

	if err := backend.Upload(ctx, UserFiles, "k", []byte("x")); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if err := backend.Delete(ctx, UserFiles, "k"); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if err := backend.Delete(ctx, UserFiles, "k"); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if _, err := backend.Download(ctx, UserFiles, "k"); err == nil {
		t.Fatal("expected missing object after delete")
	}
}
