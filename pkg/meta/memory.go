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

package meta

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pborman/uuid"
)

// MemStore is an in-memory Store. Every instance is independent; tests get a
// fresh one each. A single mutex stands in for the SQL transactions, which
// keeps the lock operations linearizable the same way the Postgres
// implementation does.
type MemStore struct {
	mu     sync.Mutex
	users  map[string]*User
	leases map[string]*UploadLease
	files  map[string]*DBFile
	tokens map[string]*AccessToken

	// now is swappable so expiry paths can be tested.
	now func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:  make(map[string]*User),
		leases: make(map[string]*UploadLease),
		files:  make(map[string]*DBFile),
		tokens: make(map[string]*AccessToken),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store clock, for expiry tests.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func copyLease(l *UploadLease) *UploadLease {
	c := *l
	return &c
}

func copyFile(f *DBFile) *DBFile {
	c := *f
	if f.LockExpiresAt != nil {
		t := *f.LockExpiresAt
		c.LockExpiresAt = &t
	}
	return &c
}

// AddUser stores a new user.
func (m *MemStore) AddUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return EmailExistsError{Email: user.Email}
		}
	}
	stored := copyUser(user)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.users[user.ID.String()] = stored
	return nil
}

// GetUser fetches a user by id.
func (m *MemStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByEmail fetches a user by email.
func (m *MemStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// SetUserAvatar records the avatar object id on the user.
func (m *MemStore) SetUserAvatar(ctx context.Context, id, avatar uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id.String()]
	if !ok {
		return ErrNotFound
	}
	u.Avatar = avatar
	return nil
}

// AddLease stores a new lease.
func (m *MemStore) AddLease(ctx context.Context, lease *UploadLease) (*UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := copyLease(lease)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.leases[lease.ID.String()] = stored
	return copyLease(stored), nil
}

// GetLease fetches a lease by id.
func (m *MemStore) GetLease(ctx context.Context, id uuid.UUID) (*UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLease(l), nil
}

// LeasesByOwner lists the owner's leases.
func (m *MemStore) LeasesByOwner(ctx context.Context, owner uuid.UUID) ([]UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var leases []UploadLease
	for _, l := range m.leases {
		if uuid.Equal(l.Owner, owner) {
			leases = append(leases, *copyLease(l))
		}
	}
	return leases, nil
}

// MarkLeaseCompleted sets completed unless the lease expired.
func (m *MemStore) MarkLeaseCompleted(ctx context.Context, id uuid.UUID) (*UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Expired(m.now()) {
		return nil, LeaseExpiredError{ID: l.ID}
	}
	l.Completed = true
	return copyLease(l), nil
}

// RollbackLeaseCompleted reverts completed.
func (m *MemStore) RollbackLeaseCompleted(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id.String()]
	if !ok {
		return ErrNotFound
	}
	l.Completed = false
	return nil
}

// DeleteLease removes the lease and returns it.
func (m *MemStore) DeleteLease(ctx context.Context, id uuid.UUID) (*UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.leases, id.String())
	return l, nil
}

// ExpiredLeases lists non-completed leases past their deadline.
func (m *MemStore) ExpiredLeases(ctx context.Context, before time.Time) ([]UploadLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var leases []UploadLease
	for _, l := range m.leases {
		if !l.Completed && before.After(l.ExpiresAt) {
			leases = append(leases, *copyLease(l))
		}
	}
	return leases, nil
}

// AddFile stores a new file record.
func (m *MemStore) AddFile(ctx context.Context, file *DBFile) (*DBFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.Path == file.Path {
			return nil, PathExistsError{Path: file.Path}
		}
	}
	stored := copyFile(file)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.files[file.ID.String()] = stored
	return copyFile(stored), nil
}

// GetFile fetches a record by id.
func (m *MemStore) GetFile(ctx context.Context, id uuid.UUID) (*DBFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFile(f), nil
}

// GetFileByPath fetches a record by path.
func (m *MemStore) GetFileByPath(ctx context.Context, path string) (*DBFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.Path == path {
			return copyFile(f), nil
		}
	}
	return nil, ErrNotFound
}

// SetFileSize updates the recorded size.
func (m *MemStore) SetFileSize(ctx context.Context, id uuid.UUID, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id.String()]
	if !ok {
		return ErrNotFound
	}
	f.Size = size
	return nil
}

// LockFile acquires, refreshes or rejects per the lock state machine.
func (m *MemStore) LockFile(ctx context.Context, id uuid.UUID, requested string) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id.String()]
	if !ok {
		return LockResult{}, ErrNotFound
	}
	now := m.now()
	res := lockTransition(f, requested, now)
	switch res.Status {
	case LockAcquired, LockRefreshed:
		expiry := now.Add(LockDuration)
		f.Lock = requested
		f.LockExpiresAt = &expiry
	}
	return res, nil
}

// UnlockFile clears the lock if the presented token matches.
func (m *MemStore) UnlockFile(ctx context.Context, id uuid.UUID, lock string) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id.String()]
	if !ok {
		return LockResult{}, ErrNotFound
	}
	now := m.now()
	res := unlockTransition(f, lock, now)
	if res.Status == LockOK || res.Status == LockNotHeld {
		f.Lock = ""
		f.LockExpiresAt = nil
	}
	return res, nil
}

// UnlockAndRelock swaps the lock atomically.
func (m *MemStore) UnlockAndRelock(ctx context.Context, id uuid.UUID, oldLock, newLock string) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id.String()]
	if !ok {
		return LockResult{}, ErrNotFound
	}
	now := m.now()
	res := relockTransition(f, oldLock, now)
	if res.Status == LockOK {
		expiry := now.Add(LockDuration)
		f.Lock = newLock
		f.LockExpiresAt = &expiry
	}
	return res, nil
}

// ExtendLock refreshes the deadline of a held, matching lock.
func (m *MemStore) ExtendLock(ctx context.Context, id uuid.UUID, lock string) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id.String()]
	if !ok {
		return LockResult{}, ErrNotFound
	}
	now := m.now()
	res := unlockTransition(f, lock, now)
	if res.Status == LockOK {
		expiry := now.Add(LockDuration)
		f.LockExpiresAt = &expiry
	}
	return res, nil
}

// CreateToken issues a new access token bound to (user, file).
func (m *MemStore) CreateToken(ctx context.Context, userID, fileID uuid.UUID, from net.IP) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := uuid.NewRandom()
	m.tokens[token.String()] = &AccessToken{
		Token:       token,
		UserID:      userID,
		FileID:      fileID,
		CreatedFrom: from,
	}
	return token, nil
}

// ResolveToken looks a token up.
func (m *MemStore) ResolveToken(ctx context.Context, token uuid.UUID) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token.String()]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// RevokeToken deletes a token; revoking an unknown token is success.
func (m *MemStore) RevokeToken(ctx context.Context, token uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token.String())
	return nil
}
