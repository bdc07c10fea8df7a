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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

func TestWopiLockStateMachine(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	file := addTestFile(t, store, backend, user.ID, userPath(user.ID, "doc.odt"), []byte("content"))
	ctx := context.Background()
	engine := api.wopi

	// Unlocked + Lock(A) -> locked.
	if res := engine.Lock(ctx, file.ID, "A"); res.Status != wopiOK {
		t.Fatalf("lock A: expected OK, got %v", res.Status)
	}
	// Locked(A) + Lock(A) -> refresh.
	if res := engine.Lock(ctx, file.ID, "A"); res.Status != wopiOK {
		t.Fatalf("relock A: expected OK, got %v", res.Status)
	}
	// Locked(A) + Lock(B) -> conflict carrying A.
	res := engine.Lock(ctx, file.ID, "B")
	if res.Status != wopiConflict || res.Lock != "A" {
		t.Fatalf("lock B: expected conflict with lock A, got %v lock %q", res.Status, res.Lock)
	}
	// Locked(A) + Unlock(B) -> conflict carrying A.
	res = engine.Unlock(ctx, file.ID, "B")
	if res.Status != wopiConflict || res.Lock != "A" {
		t.Fatalf("unlock B: expected conflict with lock A, got %v lock %q", res.Status, res.Lock)
	}
	// GetLock returns A.
	current, res := engine.GetLock(ctx, file.ID)
	if res.Status != wopiOK || current != "A" {
		t.Fatalf("getlock: expected A, got %q", current)
	}
	// Locked(A) + Relock(A -> C).
	if res := engine.UnlockAndRelock(ctx, file.ID, "A", "C"); res.Status != wopiOK {
		t.Fatalf("relock A->C: expected OK, got %v", res.Status)
	}
	// Relock with the stale old lock conflicts carrying C.
	res = engine.UnlockAndRelock(ctx, file.ID, "A", "D")
	if res.Status != wopiConflict || res.Lock != "C" {
		t.Fatalf("relock A->D: expected conflict with lock C, got %v lock %q", res.Status, res.Lock)
	}
	// Locked(C) + Unlock(C) -> unlocked.
	if res := engine.Unlock(ctx, file.ID, "C"); res.Status != wopiOK {
		t.Fatalf("unlock C: expected OK, got %v", res.Status)
	}
	// Unlocked + Unlock(C) -> conflict with empty lock.
	res = engine.Unlock(ctx, file.ID, "C")
	if res.Status != wopiConflict || res.Lock != "" {
		t.Fatalf("unlock unlocked: expected conflict with empty lock, got %v lock %q", res.Status, res.Lock)
	}
	// Unlock then lock with any token succeeds again.
	if res := engine.Lock(ctx, file.ID, "A"); res.Status != wopiOK {
		t.Fatalf("lock after unlock: expected OK, got %v", res.Status)
	}
}

func TestWopiLockExpiryIsLazy(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	file := addTestFile(t, store, backend, user.ID, userPath(user.ID, "doc.odt"), []byte("content"))
	ctx := context.Background()

	// Take the lock on a store clock far enough in the past that its
	// deadline has already passed: the record is logically unlocked even
	// though the columns are still set.
	store.SetClock(func() time.Time { return time.Now().UTC().Add(-meta.LockDuration - time.Hour) })
	if res := api.wopi.Lock(ctx, file.ID, "A"); res.Status != wopiOK {
		t.Fatalf("lock: expected OK, got %v", res.Status)
	}
	store.SetClock(func() time.Time { return time.Now().UTC() })

	current, _ := api.wopi.GetLock(ctx, file.ID)
	if current != "" {
		t.Fatalf("expected expired lock to read as absent, got %q", current)
	}
	if res := api.wopi.Lock(ctx, file.ID, "B"); res.Status != wopiOK {
		t.Fatalf("lock after expiry: expected OK, got %v", res.Status)
	}
}

func TestWopiExtendLock(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	file := addTestFile(t, store, backend, user.ID, userPath(user.ID, "doc.odt"), nil)
	ctx := context.Background()

	if res := api.wopi.Lock(ctx, file.ID, "L"); res.Status != wopiOK {
		t.Fatalf("lock: expected OK, got %v", res.Status)
	}
	if res := api.wopi.RefreshLock(ctx, file.ID, "L"); res.Status != wopiOK {
		t.Fatalf("refresh: expected OK, got %v", res.Status)
	}
	res := api.wopi.RefreshLock(ctx, file.ID, "M")
	if res.Status != wopiConflict || res.Lock != "L" {
		t.Fatalf("refresh M: expected conflict with L, got %v lock %q", res.Status, res.Lock)
	}
	if res := api.wopi.Unlock(ctx, file.ID, "L"); res.Status != wopiOK {
		t.Fatalf("unlock: expected OK, got %v", res.Status)
	}
	// Lock -> Extend -> Unlock leaves the record unlocked.
	current, _ := api.wopi.GetLock(ctx, file.ID)
	if current != "" {
		t.Fatalf("expected unlocked record, got lock %q", current)
	}
}

func TestWopiLockValidation(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	file := addTestFile(t, store, backend, user.ID, userPath(user.ID, "doc.odt"), nil)
	ctx := context.Background()

	if res := api.wopi.Lock(ctx, file.ID, ""); res.Status != wopiBadRequest {
		t.Fatalf("empty lock: expected bad request, got %v", res.Status)
	}
	long := strings.Repeat("x", meta.MaxLockLen+1)
	if res := api.wopi.Lock(ctx, file.ID, long); res.Status != wopiBadRequest {
		t.Fatalf("oversized lock: expected bad request, got %v", res.Status)
	}
	// Missing record.
	if res := api.wopi.Lock(ctx, mustGetUUID(), "A"); res.Status != wopiNotFound {
		t.Fatalf("missing record: expected not found, got %v", res.Status)
	}
}

func TestWopiPutFile(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	ctx := context.Background()

	// Fresh empty file accepts unlocked writes.
	empty := addTestFile(t, store, backend, user.ID, userPath(user.ID, "empty.odt"), nil)
	if res := api.wopi.PutFile(ctx, empty.ID, "", []byte("first")); res.Status != wopiOK {
		t.Fatalf("unlocked put on empty file: expected OK, got %v", res.Status)
	}
	got, err := backend.Download(ctx, objstore.UserFiles, empty.Path)
	if err != nil || !bytes.Equal(got, []byte("first")) {
		t.Fatalf("unexpected content %q err %v", got, err)
	}
	updated, err := store.GetFile(ctx, empty.ID)
	if err != nil || updated.Size != int64(len("first")) {
		t.Fatalf("size not persisted, got %+v err %v", updated, err)
	}

	// Now non-empty and unlocked: writes conflict with an empty lock header.
	res := api.wopi.PutFile(ctx, empty.ID, "", []byte("second"))
	if res.Status != wopiConflict || res.Lock != "" {
		t.Fatalf("unlocked put on non-empty file: expected conflict with empty lock, got %v lock %q", res.Status, res.Lock)
	}

	// Locked file: matching lock writes, mismatching lock conflicts.
	if res := api.wopi.Lock(ctx, empty.ID, "L"); res.Status != wopiOK {
		t.Fatalf("lock: expected OK, got %v", res.Status)
	}
	res = api.wopi.PutFile(ctx, empty.ID, "M", []byte("nope"))
	if res.Status != wopiConflict || res.Lock != "L" {
		t.Fatalf("put with wrong lock: expected conflict with L, got %v lock %q", res.Status, res.Lock)
	}
	res = api.wopi.PutFile(ctx, empty.ID, "", []byte("nope"))
	if res.Status != wopiConflict || res.Lock != "L" {
		t.Fatalf("put without lock: expected conflict with L, got %v lock %q", res.Status, res.Lock)
	}
	if res := api.wopi.PutFile(ctx, empty.ID, "L", []byte("locked write")); res.Status != wopiOK {
		t.Fatalf("put with matching lock: expected OK, got %v", res.Status)
	}
	got, err = backend.Download(ctx, objstore.UserFiles, empty.Path)
	if err != nil || !bytes.Equal(got, []byte("locked write")) {
		t.Fatalf("unexpected content %q err %v", got, err)
	}
}

func TestWopiGetFile(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	file := addTestFile(t, store, backend, user.ID, userPath(user.ID, "doc.odt"), []byte("payload"))
	ctx := context.Background()

	data, res := api.wopi.GetFile(ctx, file.ID)
	if res.Status != wopiOK || !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("expected payload, got %q status %v", data, res.Status)
	}
	if _, res := api.wopi.GetFile(ctx, mustGetUUID()); res.Status != wopiNotFound {
		t.Fatalf("missing record: expected not found, got %v", res.Status)
	}
}

func TestWopiCheckFileInfo(t *testing.T) {
	api, store, backend := initTestAPI(t)
	owner := addTestUser(t, store)
	caller := addTestUser(t, store)
	file := addTestFile(t, store, backend, owner.ID, userPath(owner.ID, `docs\report.odt`), []byte("12345"))
	ctx := context.Background()

	info, res := api.wopi.CheckFileInfo(ctx, file.ID, caller.ID)
	if res.Status != wopiOK {
		t.Fatalf("expected OK, got %v", res.Status)
	}
	if info.BaseFileName != "report.odt" {
		t.Errorf("expected base name report.odt, got %q", info.BaseFileName)
	}
	if info.OwnerID != owner.ID.String() || info.UserID != caller.ID.String() {
		t.Errorf("unexpected owner/user: %q / %q", info.OwnerID, info.UserID)
	}
	if info.Size != 5 {
		t.Errorf("expected size 5, got %d", info.Size)
	}
	if info.Version != nil {
		t.Errorf("expected null version, got %v", *info.Version)
	}
	if !info.SupportsLocks || !info.SupportsGetLock || !info.SupportsExtendedLockLength || !info.SupportsUpdate {
		t.Error("expected all lock capabilities on")
	}
	if info.ReadOnly || !info.UserCanWrite || info.UserCanNotWriteRelative {
		t.Error("unexpected write capabilities")
	}
	if _, res := api.wopi.CheckFileInfo(ctx, mustGetUUID(), caller.ID); res.Status != wopiNotFound {
		t.Fatalf("missing record: expected not found, got %v", res.Status)
	}
}

func TestWopiPutRelativeSpecific(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	src := addTestFile(t, store, backend, user.ID, userPath(user.ID, `docs\base.odt`), []byte("base"))
	ctx := context.Background()

	// Fresh target.
	info, res := api.wopi.PutRelativeSpecific(ctx, src.ID, user.ID, "copy.odt", false, []byte("copy"), nil)
	if res.Status != wopiOK {
		t.Fatalf("expected OK, got %v", res.Status)
	}
	if info.Name != "copy.odt" {
		t.Errorf("expected name copy.odt, got %q", info.Name)
	}
	if !strings.Contains(info.URL, "/api/wopi/files/") || !strings.Contains(info.URL, "access_token=") {
		t.Errorf("unexpected url %q", info.URL)
	}
	target, err := store.GetFileByPath(ctx, userPath(user.ID, `docs\copy.odt`))
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	data, err := backend.Download(ctx, objstore.UserFiles, target.Path)
	if err != nil || !bytes.Equal(data, []byte("copy")) {
		t.Fatalf("unexpected target content %q err %v", data, err)
	}

	// Existing, unlocked target without overwrite.
	_, res = api.wopi.PutRelativeSpecific(ctx, src.ID, user.ID, "copy.odt", false, []byte("again"), nil)
	if res.Status != wopiFileExists {
		t.Fatalf("expected file-exists, got %v", res.Status)
	}

	// Existing target with overwrite.
	info, res = api.wopi.PutRelativeSpecific(ctx, src.ID, user.ID, "copy.odt", true, []byte("rewritten"), nil)
	if res.Status != wopiOK {
		t.Fatalf("overwrite: expected OK, got %v", res.Status)
	}
	data, err = backend.Download(ctx, objstore.UserFiles, target.Path)
	if err != nil || !bytes.Equal(data, []byte("rewritten")) {
		t.Fatalf("unexpected overwritten content %q err %v", data, err)
	}

	// Locked target rejects both modes.
	if res := api.wopi.Lock(ctx, target.ID, "E"); res.Status != wopiOK {
		t.Fatalf("lock target: expected OK, got %v", res.Status)
	}
	_, res = api.wopi.PutRelativeSpecific(ctx, src.ID, user.ID, "copy.odt", true, []byte("no"), nil)
	if res.Status != wopiLocked || res.Lock != "E" {
		t.Fatalf("locked target: expected locked with E, got %v lock %q", res.Status, res.Lock)
	}
}

func TestWopiPutRelativeSuggested(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	src := addTestFile(t, store, backend, user.ID, userPath(user.ID, `docs\base.odt`), []byte("base"))
	ctx := context.Background()

	// Extension suggestion appends to the source name.
	info, res := api.wopi.PutRelativeSuggested(ctx, src.ID, user.ID, ".pdf", []byte("pdf"), nil)
	if res.Status != wopiOK {
		t.Fatalf("expected OK, got %v", res.Status)
	}
	if info.Name != "base.odt.pdf" {
		t.Errorf("expected name base.odt.pdf, got %q", info.Name)
	}

	// Name suggestion is used as-is, with numeric prefixes on collision.
	info, res = api.wopi.PutRelativeSuggested(ctx, src.ID, user.ID, "new.odt", []byte("v1"), nil)
	if res.Status != wopiOK || info.Name != "new.odt" {
		t.Fatalf("expected new.odt, got %q status %v", info.Name, res.Status)
	}
	info, res = api.wopi.PutRelativeSuggested(ctx, src.ID, user.ID, "new.odt", []byte("v2"), nil)
	if res.Status != wopiOK || info.Name != "1new.odt" {
		t.Fatalf("expected 1new.odt, got %q status %v", info.Name, res.Status)
	}
	info, res = api.wopi.PutRelativeSuggested(ctx, src.ID, user.ID, "new.odt", []byte("v3"), nil)
	if res.Status != wopiOK || info.Name != "2new.odt" {
		t.Fatalf("expected 2new.odt, got %q status %v", info.Name, res.Status)
	}
}

func TestAccessTokenBinding(t *testing.T) {
	api, store, backend := initTestAPI(t)
	user := addTestUser(t, store)
	file := addTestFile(t, store, backend, user.ID, userPath(user.ID, "doc.odt"), nil)
	ctx := context.Background()

	token, err := api.tokens.Create(ctx, user.ID, file.ID, nil)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	resolved, err := api.tokens.Resolve(ctx, token)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if resolved.UserID.String() != user.ID.String() || resolved.FileID.String() != file.ID.String() {
		t.Fatalf("token resolved to wrong binding: %+v", resolved)
	}
	if err := api.tokens.Revoke(ctx, token); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if _, err := api.tokens.Resolve(ctx, token); err != meta.ErrNotFound {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
}
