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

// Package meta is the durable metadata store: users, upload leases, file
// records and WOPI access tokens. It is the only authority for file lock
// state; lock operations are transactional and expired locks are treated as
// absent without a background sweeper.
package meta

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// Locks are held for 30 minutes and refreshed on every matching Lock or
// ExtendLock.
const LockDuration = 30 * time.Minute

// MaxLockLen bounds the opaque client-chosen lock token, per WOPI.
const MaxLockLen = 1024

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("metadata: entity not found")

// ConnectionError wraps transport or pool failures talking to the store.
type ConnectionError struct {
	Err error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("metadata store connection failed: %v", e.Err)
}

// LeaseExpiredError is returned when a lease is operated on past its expiry.
type LeaseExpiredError struct {
	ID uuid.UUID
}

func (e LeaseExpiredError) Error() string {
	return "upload lease " + e.ID.String() + " expired"
}

// PathExistsError is returned when a file record with the same path already
// exists.
type PathExistsError struct {
	Path string
}

func (e PathExistsError) Error() string {
	return "a file with path " + e.Path + " already exists"
}

// EmailExistsError is returned when a user with the same email already
// exists.
type EmailExistsError struct {
	Email string
}

func (e EmailExistsError) Error() string {
	return "a user with email " + e.Email + " already exists"
}

// User is produced by the external auth subsystem and referenced by owner
// fields. The id is immutable.
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Hash      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Avatar    uuid.UUID `json:"avatar,omitempty"`
}

// UploadLease reserves a (bucket, object) pair for one client-driven
// multipart upload. Once completed it never reverts, except for the
// best-effort rollback after a failed multipart commit.
type UploadLease struct {
	ID        uuid.UUID       `json:"id"`
	UploadID  string          `json:"s3_upload_id"`
	Owner     uuid.UUID       `json:"owner"`
	Completed bool            `json:"completed"`
	Size      int64           `json:"size"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Bucket    objstore.Bucket `json:"bucket"`
	Name      string          `json:"name"`
}

// Expired reports whether the lease deadline passed.
func (l *UploadLease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// DBFile is the metadata record of a stored file. The lock fields implement
// the cooperative WOPI lock: a lock is held only while lock_expires_at lies
// in the future, otherwise the record is logically unlocked even if the
// columns are non-null.
type DBFile struct {
	ID            uuid.UUID  `json:"id"`
	Path          string     `json:"path"`
	Size          int64      `json:"size"`
	Lock          string     `json:"lock,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
	CreatedBy     uuid.UUID  `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LockHeld reports whether a lock is currently held.
func (f *DBFile) LockHeld(now time.Time) bool {
	return f.Lock != "" && f.LockExpiresAt != nil && f.LockExpiresAt.After(now)
}

// AccessToken is a single-file capability bound to one caller.
type AccessToken struct {
	Token       uuid.UUID
	UserID      uuid.UUID
	FileID      uuid.UUID
	CreatedFrom net.IP
}

// LockStatus tags the outcome of a lock transition.
type LockStatus int

// Lock transition outcomes.
const (
	// LockAcquired - a fresh lock was taken on an unlocked record.
	LockAcquired LockStatus = iota
	// LockRefreshed - the held lock matched and its deadline was extended.
	LockRefreshed
	// LockOK - unlock, relock or extend succeeded against the held lock.
	LockOK
	// LockNotHeld - the operation targeted a record with no held lock.
	LockNotHeld
	// LockConflict - a different lock is held; Existing carries it.
	LockConflict
)

// LockResult is the outcome of a transactional lock operation.
type LockResult struct {
	Status   LockStatus
	Existing string
}

// UserStore persists users. User CRUD beyond this belongs to the external
// auth subsystem.
type UserStore interface {
	AddUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetUserAvatar(ctx context.Context, id, avatar uuid.UUID) error
}

// LeaseStore persists upload leases.
type LeaseStore interface {
	AddLease(ctx context.Context, lease *UploadLease) (*UploadLease, error)
	GetLease(ctx context.Context, id uuid.UUID) (*UploadLease, error)
	LeasesByOwner(ctx context.Context, owner uuid.UUID) ([]UploadLease, error)

	// MarkLeaseCompleted sets completed under the lease expiry check. A
	// lease past its deadline yields LeaseExpiredError.
	MarkLeaseCompleted(ctx context.Context, id uuid.UUID) (*UploadLease, error)

	// RollbackLeaseCompleted reverts completed after a failed multipart
	// commit so the client may retry the finish while the lease lives.
	RollbackLeaseCompleted(ctx context.Context, id uuid.UUID) error

	DeleteLease(ctx context.Context, id uuid.UUID) (*UploadLease, error)
	ExpiredLeases(ctx context.Context, before time.Time) ([]UploadLease, error)
}

// FileStore persists file records and owns the transactional lock
// operations.
type FileStore interface {
	AddFile(ctx context.Context, file *DBFile) (*DBFile, error)
	GetFile(ctx context.Context, id uuid.UUID) (*DBFile, error)
	GetFileByPath(ctx context.Context, path string) (*DBFile, error)
	SetFileSize(ctx context.Context, id uuid.UUID, size int64) error

	LockFile(ctx context.Context, id uuid.UUID, requested string) (LockResult, error)
	UnlockFile(ctx context.Context, id uuid.UUID, lock string) (LockResult, error)
	UnlockAndRelock(ctx context.Context, id uuid.UUID, oldLock, newLock string) (LockResult, error)
	ExtendLock(ctx context.Context, id uuid.UUID, lock string) (LockResult, error)
}

// TokenStore persists WOPI access tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, userID, fileID uuid.UUID, from net.IP) (uuid.UUID, error)
	ResolveToken(ctx context.Context, token uuid.UUID) (*AccessToken, error)
	RevokeToken(ctx context.Context, token uuid.UUID) error
}

// Store is the full metadata store composed into the server state.
type Store interface {
	UserStore
	LeaseStore
	FileStore
	TokenStore
}

// The transition helpers below are the single definition of the lock state
// machine. Both store implementations fetch the row (under a transaction for
// SQL) and apply these to decide the write.

// lockTransition handles Lock(requested).
func lockTransition(f *DBFile, requested string, now time.Time) LockResult {
	if !f.LockHeld(now) {
		return LockResult{Status: LockAcquired}
	}
	if f.Lock == requested {
		return LockResult{Status: LockRefreshed}
	}
	return LockResult{Status: LockConflict, Existing: f.Lock}
}

// unlockTransition handles Unlock(lock) and ExtendLock(lock).
func unlockTransition(f *DBFile, lock string, now time.Time) LockResult {
	if !f.LockHeld(now) {
		return LockResult{Status: LockNotHeld}
	}
	if f.Lock == lock {
		return LockResult{Status: LockOK}
	}
	return LockResult{Status: LockConflict, Existing: f.Lock}
}

// relockTransition handles UnlockAndRelock(old, new).
func relockTransition(f *DBFile, oldLock string, now time.Time) LockResult {
	if !f.LockHeld(now) {
		return LockResult{Status: LockNotHeld}
	}
	if f.Lock == oldLock {
		return LockResult{Status: LockOK}
	}
	return LockResult{Status: LockConflict, Existing: f.Lock}
}
