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
	"net"
	"strconv"
	"strings"

	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// Suggested-target probing stops after this many collisions.
const maxSuggestedAttempts = 10000

// wopiStatus tags the outcome of a WOPI operation. The gateway maps it to an
// HTTP status and headers exactly once.
type wopiStatus int

const (
	wopiOK wopiStatus = iota
	wopiBadRequest
	wopiNotFound
	wopiConflict   // lock mismatch; Lock carries the holder (may be empty)
	wopiLocked     // PutRelativeFile target is locked
	wopiFileExists // PutRelativeFile target exists and overwrite is off
	wopiTooLarge
	wopiInternal
)

// wopiResult is the tagged outcome every engine operation returns.
type wopiResult struct {
	Status wopiStatus
	Lock   string // X-WOPI-Lock value on conflicts
	Reason string // X-WOPI-LockFailureReason, optional
	Err    error  // underlying cause, for logging
}

var wopiDone = wopiResult{Status: wopiOK}

// wopiFault classifies store/backend errors into a result.
func wopiFault(err error) wopiResult {
	if err == meta.ErrNotFound {
		return wopiResult{Status: wopiNotFound, Err: err}
	}
	if _, ok := err.(objstore.ObjectNotFound); ok {
		return wopiResult{Status: wopiNotFound, Err: err}
	}
	return wopiResult{Status: wopiInternal, Err: err}
}

// lockResultToWopi translates a store lock outcome. An operation against a
// record with no held lock answers conflict with an empty lock header, as
// editors expect.
func lockResultToWopi(res meta.LockResult) wopiResult {
	switch res.Status {
	case meta.LockAcquired, meta.LockRefreshed, meta.LockOK:
		return wopiDone
	case meta.LockNotHeld:
		return wopiResult{Status: wopiConflict, Lock: "", Reason: "file is not locked"}
	default:
		return wopiResult{Status: wopiConflict, Lock: res.Existing}
	}
}

// wopiFileInfo is the CheckFileInfo capability descriptor.
type wopiFileInfo struct {
	BaseFileName               string  `json:"BaseFileName"`
	OwnerID                    string  `json:"OwnerId"`
	UserID                     string  `json:"UserId"`
	Size                       int64   `json:"Size"`
	Version                    *string `json:"Version"`
	ReadOnly                   bool    `json:"ReadOnly"`
	UserCanWrite               bool    `json:"UserCanWrite"`
	UserCanNotWriteRelative    bool    `json:"UserCanNotWriteRelative"`
	SupportsLocks              bool    `json:"SupportsLocks"`
	SupportsGetLock            bool    `json:"SupportsGetLock"`
	SupportsExtendedLockLength bool    `json:"SupportsExtendedLockLength"`
	SupportsUpdate             bool    `json:"SupportsUpdate"`
}

// putRelativeInfo is the PutRelativeFile success payload.
type putRelativeInfo struct {
	Name string `json:"Name"`
	URL  string `json:"Url"`
}

// wopiEngine owns the file-lock state machine and the WOPI file operations.
// Lock state lives only in the metadata store; the engine holds none.
type wopiEngine struct {
	store   meta.Store
	backend objstore.Backend
	tokens  *tokenService
}

func validLockToken(lock string) bool {
	return len(lock) <= meta.MaxLockLen
}

// Lock takes or refreshes the lock on the file.
func (w *wopiEngine) Lock(ctx context.Context, fileID uuid.UUID, lock string) wopiResult {
	if lock == "" || !validLockToken(lock) {
		return wopiResult{Status: wopiBadRequest, Reason: "invalid lock token"}
	}
	res, err := w.store.LockFile(ctx, fileID, lock)
	if err != nil {
		return wopiFault(err)
	}
	return lockResultToWopi(res)
}

// Unlock releases the lock when the presented token matches.
func (w *wopiEngine) Unlock(ctx context.Context, fileID uuid.UUID, lock string) wopiResult {
	if lock == "" || !validLockToken(lock) {
		return wopiResult{Status: wopiBadRequest, Reason: "invalid lock token"}
	}
	res, err := w.store.UnlockFile(ctx, fileID, lock)
	if err != nil {
		return wopiFault(err)
	}
	return lockResultToWopi(res)
}

// RefreshLock extends the deadline of the held, matching lock.
func (w *wopiEngine) RefreshLock(ctx context.Context, fileID uuid.UUID, lock string) wopiResult {
	if lock == "" || !validLockToken(lock) {
		return wopiResult{Status: wopiBadRequest, Reason: "invalid lock token"}
	}
	res, err := w.store.ExtendLock(ctx, fileID, lock)
	if err != nil {
		return wopiFault(err)
	}
	return lockResultToWopi(res)
}

// UnlockAndRelock swaps the lock atomically; no concurrent observer sees the
// record unlocked in between.
func (w *wopiEngine) UnlockAndRelock(ctx context.Context, fileID uuid.UUID, oldLock, newLock string) wopiResult {
	if oldLock == "" || newLock == "" || !validLockToken(oldLock) || !validLockToken(newLock) {
		return wopiResult{Status: wopiBadRequest, Reason: "invalid lock token"}
	}
	res, err := w.store.UnlockAndRelock(ctx, fileID, oldLock, newLock)
	if err != nil {
		return wopiFault(err)
	}
	return lockResultToWopi(res)
}

// GetLock returns the currently held lock, or the empty string.
func (w *wopiEngine) GetLock(ctx context.Context, fileID uuid.UUID) (string, wopiResult) {
	file, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return "", wopiFault(err)
	}
	if !file.LockHeld(UTCNow()) {
		return "", wopiDone
	}
	return file.Lock, wopiDone
}

// CheckFileInfo builds the capability descriptor for the editor.
func (w *wopiEngine) CheckFileInfo(ctx context.Context, fileID, userID uuid.UUID) (*wopiFileInfo, wopiResult) {
	file, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, wopiFault(err)
	}
	return &wopiFileInfo{
		BaseFileName:               baseName(file.Path),
		OwnerID:                    file.CreatedBy.String(),
		UserID:                     userID.String(),
		Size:                       file.Size,
		Version:                    nil,
		ReadOnly:                   false,
		UserCanWrite:               true,
		UserCanNotWriteRelative:    false,
		SupportsLocks:              true,
		SupportsGetLock:            true,
		SupportsExtendedLockLength: true,
		SupportsUpdate:             true,
	}, wopiDone
}

// GetFile returns the file bytes.
func (w *wopiEngine) GetFile(ctx context.Context, fileID uuid.UUID) ([]byte, wopiResult) {
	file, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, wopiFault(err)
	}
	data, err := w.backend.Download(ctx, objstore.UserFiles, file.Path)
	if err != nil {
		return nil, wopiFault(err)
	}
	return data, wopiDone
}

// PutFile persists new content under the lock predicate. A held lock must be
// presented byte-exact; an unlocked, non-empty file may not be overwritten
// and answers conflict with an empty lock header.
func (w *wopiEngine) PutFile(ctx context.Context, fileID uuid.UUID, lock string, body []byte) wopiResult {
	if !validLockToken(lock) {
		return wopiResult{Status: wopiBadRequest, Reason: "invalid lock token"}
	}
	file, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return wopiFault(err)
	}
	now := UTCNow()
	if file.LockHeld(now) {
		if lock == "" || lock != file.Lock {
			return wopiResult{Status: wopiConflict, Lock: file.Lock}
		}
	} else if file.Size > 0 {
		return wopiResult{Status: wopiConflict, Lock: "", Reason: "file is not locked"}
	}

	size := int64(len(body))
	if size != file.Size {
		if err := w.store.SetFileSize(ctx, fileID, size); err != nil {
			return wopiFault(err)
		}
	}
	if err := w.backend.Upload(ctx, objstore.UserFiles, file.Path, body); err != nil {
		return wopiFault(err)
	}
	return wopiDone
}

// createRelative writes a fresh record plus its bytes and binds an access
// token for the caller, returning the editor handle.
func (w *wopiEngine) createRelative(ctx context.Context, userID uuid.UUID, path string, body []byte, from net.IP) (*putRelativeInfo, wopiResult) {
	file := &meta.DBFile{
		ID:        mustGetUUID(),
		Path:      path,
		Size:      int64(len(body)),
		CreatedBy: userID,
		CreatedAt: UTCNow(),
	}
	file, err := w.store.AddFile(ctx, file)
	if err != nil {
		if _, ok := err.(meta.PathExistsError); ok {
			return nil, wopiResult{Status: wopiFileExists, Err: err}
		}
		return nil, wopiFault(err)
	}
	if err := w.backend.Upload(ctx, objstore.UserFiles, path, body); err != nil {
		return nil, wopiFault(err)
	}
	token, err := w.tokens.Create(ctx, userID, file.ID, from)
	if err != nil {
		return nil, wopiFault(err)
	}
	return &putRelativeInfo{
		Name: baseName(path),
		URL:  wopiFileURL(publicHost(), file.ID, token),
	}, wopiDone
}

// PutRelativeSpecific stores body at an exact sibling path of the source
// file.
func (w *wopiEngine) PutRelativeSpecific(ctx context.Context, fileID, userID uuid.UUID, relativeTarget string, overwrite bool, body []byte, from net.IP) (*putRelativeInfo, wopiResult) {
	src, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, wopiFault(err)
	}
	target := joinPath(parentPath(src.Path), relativeTarget)

	existing, err := w.store.GetFileByPath(ctx, target)
	switch {
	case err == meta.ErrNotFound:
		return w.createRelative(ctx, userID, target, body, from)
	case err != nil:
		return nil, wopiFault(err)
	}

	if existing.LockHeld(UTCNow()) {
		return nil, wopiResult{Status: wopiLocked, Lock: existing.Lock}
	}
	if !overwrite {
		return nil, wopiResult{Status: wopiFileExists}
	}

	if err := w.store.SetFileSize(ctx, existing.ID, int64(len(body))); err != nil {
		return nil, wopiFault(err)
	}
	if err := w.backend.Upload(ctx, objstore.UserFiles, target, body); err != nil {
		return nil, wopiFault(err)
	}
	token, err := w.tokens.Create(ctx, userID, existing.ID, from)
	if err != nil {
		return nil, wopiFault(err)
	}
	return &putRelativeInfo{
		Name: baseName(target),
		URL:  wopiFileURL(publicHost(), existing.ID, token),
	}, wopiDone
}

// PutRelativeSuggested stores body under a name derived from the suggestion.
// A suggestion starting with a dot is an extension appended to the source
// name. Collisions are retried with a numeric prefix, capped so a hostile
// namespace cannot spin the probe forever.
func (w *wopiEngine) PutRelativeSuggested(ctx context.Context, fileID, userID uuid.UUID, suggested string, body []byte, from net.IP) (*putRelativeInfo, wopiResult) {
	src, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, wopiFault(err)
	}
	base := suggested
	if strings.HasPrefix(suggested, ".") {
		base = baseName(src.Path) + suggested
	}
	parent := parentPath(src.Path)

	candidate := base
	for counter := 1; counter <= maxSuggestedAttempts; counter++ {
		target := joinPath(parent, candidate)
		_, err := w.store.GetFileByPath(ctx, target)
		if err == meta.ErrNotFound {
			info, res := w.createRelative(ctx, userID, target, body, from)
			// A concurrent writer may have claimed the probed path;
			// keep probing in that case.
			if res.Status == wopiFileExists {
				candidate = strconv.Itoa(counter) + base
				continue
			}
			return info, res
		}
		if err != nil {
			return nil, wopiFault(err)
		}
		candidate = strconv.Itoa(counter) + base
	}
	return nil, wopiResult{Status: wopiInternal, Reason: "no free file name found"}
}
