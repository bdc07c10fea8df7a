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
	"net/http"
	"testing"
	"time"

	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// initTestConfig installs a config good enough for handlers and token URLs.
func initTestConfig() {
	setGlobalConfig(&serverConfig{
		Address:    "127.0.0.1:8080",
		PublicHost: "http://127.0.0.1:8080",
		JWTSecret:  "test-jwt-secret",
	})
}

// initTestAPI builds a fresh store, backend and handler set per test.
func initTestAPI(t *testing.T) (*apiHandlers, *meta.MemStore, *objstore.MemBackend) {
	t.Helper()
	initTestConfig()
	store := meta.NewMemStore()
	backend := objstore.NewMemBackend()
	for _, bucket := range objstore.Buckets {
		if err := backend.EnsureBucket(context.Background(), bucket); err != nil {
			t.Fatal("Unexpected err: ", err)
		}
	}
	return newAPIHandlers(store, backend), store, backend
}

// addTestUser persists a user the handlers can authenticate as.
func addTestUser(t *testing.T, store meta.Store) *meta.User {
	t.Helper()
	user := &meta.User{
		ID:        mustGetUUID(),
		Name:      "Test User",
		Email:     mustGetUUID().String() + "@example.com",
		Hash:      "irrelevant",
		CreatedAt: UTCNow(),
	}
	if err := store.AddUser(context.Background(), user); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	return user
}

// addTestFile persists a file record plus its bytes.
func addTestFile(t *testing.T, store meta.Store, backend objstore.Backend, owner uuid.UUID, path string, data []byte) *meta.DBFile {
	t.Helper()
	file := &meta.DBFile{
		ID:        mustGetUUID(),
		Path:      path,
		Size:      int64(len(data)),
		CreatedBy: owner,
		CreatedAt: UTCNow(),
	}
	file, err := store.AddFile(context.Background(), file)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if err := backend.Upload(context.Background(), objstore.UserFiles, path, data); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	return file
}

// attachSession adds a valid session cookie for the user.
func attachSession(t *testing.T, r *http.Request, userID uuid.UUID) {
	t.Helper()
	token, err := newSessionToken(userID, time.Hour)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
}
