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

package cmd

import (
	"context"
	"testing"

	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

func TestSetupBucketsIsIdempotent(t *testing.T) {
	backend := objstore.NewMemBackend()
	ctx := context.Background()

	if err := setupBuckets(ctx, backend); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	// A second setup run against existing buckets stays success.
	if err := setupBuckets(ctx, backend); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	for _, bucket := range objstore.Buckets {
		if err := backend.Upload(ctx, bucket, "probe", []byte("x")); err != nil {
			t.Fatalf("bucket %s not usable: %v", bucket.Name(), err)
		}
	}
}

func TestResetBuckets(t *testing.T) {
	backend := objstore.NewMemBackend()
	ctx := context.Background()

	if err := setupBuckets(ctx, backend); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if err := backend.Upload(ctx, objstore.UserFiles, "leftover", []byte("x")); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if err := resetBuckets(ctx, backend); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if _, err := backend.Download(ctx, objstore.UserFiles, "leftover"); err == nil {
		t.Fatal("reset kept bucket contents")
	}
}
