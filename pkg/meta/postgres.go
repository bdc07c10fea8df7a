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
	"database/sql"
	"database/sql/driver"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// PgStore is the production Store backed by Postgres.
type PgStore struct {
	db *sql.DB
}

// NewPgStore opens a connection pool against the given URL. The schema is
// not touched; call Migrate once at startup.
func NewPgStore(databaseURL string) (*PgStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, ConnectionError{Err: err}
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PgStore{db: db}, nil
}

// Close releases the pool.
func (p *PgStore) Close() error {
	return p.db.Close()
}

// Ping verifies connectivity.
func (p *PgStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return ConnectionError{Err: err}
	}
	return nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS citext`,
	`DO $$ BEGIN
		CREATE TYPE bucket AS ENUM ('avatars', 'videos', 'userfiles', 'notebookfiles');
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,
	`CREATE TABLE IF NOT EXISTS "user" (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		email citext NOT NULL,
		hash text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		avatar uuid,
		CONSTRAINT user_email_key UNIQUE (email)
	)`,
	`CREATE TABLE IF NOT EXISTS file (
		id uuid PRIMARY KEY,
		path text NOT NULL,
		lock text,
		lock_expires_at timestamptz,
		size bigint NOT NULL DEFAULT 0,
		created_by uuid NOT NULL REFERENCES "user" (id),
		created_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT file_path_key UNIQUE (path),
		CONSTRAINT file_lock_pair CHECK ((lock IS NULL) = (lock_expires_at IS NULL))
	)`,
	`CREATE TABLE IF NOT EXISTS upload_lease (
		id uuid PRIMARY KEY,
		owner uuid NOT NULL REFERENCES "user" (id),
		s3_upload_id text NOT NULL,
		name text NOT NULL,
		bucket bucket NOT NULL,
		size bigint NOT NULL,
		completed boolean NOT NULL DEFAULT false,
		created_at timestamptz NOT NULL DEFAULT now(),
		expires_at timestamptz NOT NULL,
		CONSTRAINT upload_lease_size_positive CHECK (size > 0)
	)`,
	`CREATE INDEX IF NOT EXISTS upload_lease_owner_idx ON upload_lease (owner)`,
	`CREATE TABLE IF NOT EXISTS access_token (
		token uuid PRIMARY KEY,
		user_id uuid NOT NULL REFERENCES "user" (id),
		file_id uuid NOT NULL REFERENCES file (id),
		created_from inet
	)`,
}

// Migrate creates the schema idempotently.
func (p *PgStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return toStoreErr(err)
		}
	}
	return nil
}

// toStoreErr classifies driver failures into the store error taxonomy.
func toStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err == driver.ErrBadConn || err == sql.ErrConnDone {
		return ConnectionError{Err: err}
	}
	if pqErr, ok := err.(*pq.Error); ok {
		// Class 08 - connection exceptions.
		if len(pqErr.Code) >= 2 && pqErr.Code[:2] == "08" {
			return ConnectionError{Err: err}
		}
		if pqErr.Code == "23505" {
			switch pqErr.Constraint {
			case "file_path_key":
				return PathExistsError{}
			case "user_email_key":
				return EmailExistsError{}
			}
		}
	}
	return err
}

func nullUUID(id uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// AddUser inserts the user.
func (p *PgStore) AddUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO "user" (id, name, email, hash, created_at, avatar) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID.String(), user.Name, user.Email, user.Hash, user.CreatedAt, nullUUID(user.Avatar))
	if e, ok := toStoreErr(err).(EmailExistsError); ok {
		e.Email = user.Email
		return e
	}
	return toStoreErr(err)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var id string
	var avatar sql.NullString
	err := row.Scan(&id, &u.Name, &u.Email, &u.Hash, &u.CreatedAt, &avatar)
	if err != nil {
		return nil, toStoreErr(err)
	}
	u.ID = uuid.Parse(id)
	if avatar.Valid {
		u.Avatar = uuid.Parse(avatar.String)
	}
	return &u, nil
}

// GetUser fetches a user by id.
func (p *PgStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, email, hash, created_at, avatar FROM "user" WHERE id = $1`, id.String())
	return scanUser(row)
}

// GetUserByEmail fetches a user by email.
func (p *PgStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, email, hash, created_at, avatar FROM "user" WHERE email = $1`, email)
	return scanUser(row)
}

// SetUserAvatar records the avatar object id.
func (p *PgStore) SetUserAvatar(ctx context.Context, id, avatar uuid.UUID) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE "user" SET avatar = $1 WHERE id = $2`, avatar.String(), id.String())
	if err != nil {
		return toStoreErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return toStoreErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const leaseColumns = `id, owner, s3_upload_id, name, bucket, size, completed, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(row rowScanner) (*UploadLease, error) {
	var l UploadLease
	var id, owner, bucket string
	err := row.Scan(&id, &owner, &l.UploadID, &l.Name, &bucket, &l.Size, &l.Completed, &l.CreatedAt, &l.ExpiresAt)
	if err != nil {
		return nil, toStoreErr(err)
	}
	l.ID = uuid.Parse(id)
	l.Owner = uuid.Parse(owner)
	if b, ok := objstore.ParseBucket(bucket); ok {
		l.Bucket = b
	}
	return &l, nil
}

// AddLease inserts the lease and returns the stored row.
func (p *PgStore) AddLease(ctx context.Context, lease *UploadLease) (*UploadLease, error) {
	if lease.CreatedAt.IsZero() {
		lease.CreatedAt = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx,
		`INSERT INTO upload_lease (id, owner, s3_upload_id, name, bucket, size, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+leaseColumns,
		lease.ID.String(), lease.Owner.String(), lease.UploadID, lease.Name,
		lease.Bucket.Name(), lease.Size, lease.CreatedAt, lease.ExpiresAt)
	return scanLease(row)
}

// GetLease fetches the lease by id.
func (p *PgStore) GetLease(ctx context.Context, id uuid.UUID) (*UploadLease, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM upload_lease WHERE id = $1`, id.String())
	return scanLease(row)
}

// LeasesByOwner lists the owner's leases.
func (p *PgStore) LeasesByOwner(ctx context.Context, owner uuid.UUID) ([]UploadLease, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM upload_lease WHERE owner = $1 ORDER BY created_at`, owner.String())
	if err != nil {
		return nil, toStoreErr(err)
	}
	defer rows.Close()
	var leases []UploadLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	return leases, toStoreErr(rows.Err())
}

// MarkLeaseCompleted sets completed under the expiry check, in one
// transaction so a concurrent finish observes either state, never half.
func (p *PgStore) MarkLeaseCompleted(ctx context.Context, id uuid.UUID) (*UploadLease, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, toStoreErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM upload_lease WHERE id = $1 FOR UPDATE`, id.String())
	lease, err := scanLease(row)
	if err != nil {
		return nil, err
	}
	if lease.Expired(time.Now().UTC()) {
		return nil, LeaseExpiredError{ID: lease.ID}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE upload_lease SET completed = true WHERE id = $1`, id.String()); err != nil {
		return nil, toStoreErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, toStoreErr(err)
	}
	lease.Completed = true
	return lease, nil
}

// RollbackLeaseCompleted reverts completed.
func (p *PgStore) RollbackLeaseCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE upload_lease SET completed = false WHERE id = $1`, id.String())
	return toStoreErr(err)
}

// DeleteLease removes the lease and returns it.
func (p *PgStore) DeleteLease(ctx context.Context, id uuid.UUID) (*UploadLease, error) {
	row := p.db.QueryRowContext(ctx,
		`DELETE FROM upload_lease WHERE id = $1 RETURNING `+leaseColumns, id.String())
	return scanLease(row)
}

// ExpiredLeases lists non-completed leases past their deadline.
func (p *PgStore) ExpiredLeases(ctx context.Context, before time.Time) ([]UploadLease, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM upload_lease WHERE NOT completed AND expires_at < $1`, before)
	if err != nil {
		return nil, toStoreErr(err)
	}
	defer rows.Close()
	var leases []UploadLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	return leases, toStoreErr(rows.Err())
}

const fileColumns = `id, path, lock, lock_expires_at, size, created_by, created_at`

func scanFile(row rowScanner) (*DBFile, error) {
	var f DBFile
	var id, createdBy string
	var lock sql.NullString
	var lockExpires pq.NullTime
	err := row.Scan(&id, &f.Path, &lock, &lockExpires, &f.Size, &createdBy, &f.CreatedAt)
	if err != nil {
		return nil, toStoreErr(err)
	}
	f.ID = uuid.Parse(id)
	f.CreatedBy = uuid.Parse(createdBy)
	if lock.Valid {
		f.Lock = lock.String
	}
	if lockExpires.Valid {
		t := lockExpires.Time
		f.LockExpiresAt = &t
	}
	return &f, nil
}

// AddFile inserts the record.
func (p *PgStore) AddFile(ctx context.Context, file *DBFile) (*DBFile, error) {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx,
		`INSERT INTO file (id, path, size, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+fileColumns,
		file.ID.String(), file.Path, file.Size, file.CreatedBy.String(), file.CreatedAt)
	stored, err := scanFile(row)
	if e, ok := err.(PathExistsError); ok {
		e.Path = file.Path
		return nil, e
	}
	return stored, err
}

// GetFile fetches the record by id.
func (p *PgStore) GetFile(ctx context.Context, id uuid.UUID) (*DBFile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file WHERE id = $1`, id.String())
	return scanFile(row)
}

// GetFileByPath fetches the record by path.
func (p *PgStore) GetFileByPath(ctx context.Context, path string) (*DBFile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file WHERE path = $1`, path)
	return scanFile(row)
}

// SetFileSize updates the recorded size.
func (p *PgStore) SetFileSize(ctx context.Context, id uuid.UUID, size int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE file SET size = $1 WHERE id = $2`, size, id.String())
	if err != nil {
		return toStoreErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return toStoreErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// withFileTx runs fn against the row-locked file record and commits.
func (p *PgStore) withFileTx(ctx context.Context, id uuid.UUID, fn func(tx *sql.Tx, f *DBFile) (LockResult, error)) (LockResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return LockResult{}, toStoreErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file WHERE id = $1 FOR UPDATE`, id.String())
	f, err := scanFile(row)
	if err != nil {
		return LockResult{}, err
	}
	res, err := fn(tx, f)
	if err != nil {
		return LockResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return LockResult{}, toStoreErr(err)
	}
	return res, nil
}

// LockFile acquires or refreshes the lock, or reports the holder.
func (p *PgStore) LockFile(ctx context.Context, id uuid.UUID, requested string) (LockResult, error) {
	return p.withFileTx(ctx, id, func(tx *sql.Tx, f *DBFile) (LockResult, error) {
		now := time.Now().UTC()
		res := lockTransition(f, requested, now)
		switch res.Status {
		case LockAcquired, LockRefreshed:
			_, err := tx.ExecContext(ctx,
				`UPDATE file SET lock = $1, lock_expires_at = $2 WHERE id = $3`,
				requested, now.Add(LockDuration), id.String())
			if err != nil {
				return LockResult{}, toStoreErr(err)
			}
		}
		return res, nil
	})
}

// UnlockFile clears the lock if the presented token matches.
func (p *PgStore) UnlockFile(ctx context.Context, id uuid.UUID, lock string) (LockResult, error) {
	return p.withFileTx(ctx, id, func(tx *sql.Tx, f *DBFile) (LockResult, error) {
		res := unlockTransition(f, lock, time.Now().UTC())
		if res.Status == LockOK || res.Status == LockNotHeld {
			_, err := tx.ExecContext(ctx,
				`UPDATE file SET lock = NULL, lock_expires_at = NULL WHERE id = $1`, id.String())
			if err != nil {
				return LockResult{}, toStoreErr(err)
			}
		}
		return res, nil
	})
}

// UnlockAndRelock swaps the lock atomically; no observer sees the record
// unlocked in between.
func (p *PgStore) UnlockAndRelock(ctx context.Context, id uuid.UUID, oldLock, newLock string) (LockResult, error) {
	return p.withFileTx(ctx, id, func(tx *sql.Tx, f *DBFile) (LockResult, error) {
		now := time.Now().UTC()
		res := relockTransition(f, oldLock, now)
		if res.Status == LockOK {
			_, err := tx.ExecContext(ctx,
				`UPDATE file SET lock = $1, lock_expires_at = $2 WHERE id = $3`,
				newLock, now.Add(LockDuration), id.String())
			if err != nil {
				return LockResult{}, toStoreErr(err)
			}
		}
		return res, nil
	})
}

// ExtendLock refreshes the deadline of the held, matching lock.
func (p *PgStore) ExtendLock(ctx context.Context, id uuid.UUID, lock string) (LockResult, error) {
	return p.withFileTx(ctx, id, func(tx *sql.Tx, f *DBFile) (LockResult, error) {
		now := time.Now().UTC()
		res := unlockTransition(f, lock, now)
		if res.Status == LockOK {
			_, err := tx.ExecContext(ctx,
				`UPDATE file SET lock_expires_at = $1 WHERE id = $2`,
				now.Add(LockDuration), id.String())
			if err != nil {
				return LockResult{}, toStoreErr(err)
			}
		}
		return res, nil
	})
}

// CreateToken issues a new token row.
func (p *PgStore) CreateToken(ctx context.Context, userID, fileID uuid.UUID, from net.IP) (uuid.UUID, error) {
	token := uuid.NewRandom()
	var fromVal interface{}
	if from != nil {
		fromVal = from.String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO access_token (token, user_id, file_id, created_from) VALUES ($1, $2, $3, $4)`,
		token.String(), userID.String(), fileID.String(), fromVal)
	if err != nil {
		return nil, toStoreErr(err)
	}
	return token, nil
}

// ResolveToken looks a token up.
func (p *PgStore) ResolveToken(ctx context.Context, token uuid.UUID) (*AccessToken, error) {
	var t AccessToken
	var tok, userID, fileID string
	var from sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT token, user_id, file_id, created_from FROM access_token WHERE token = $1`,
		token.String()).Scan(&tok, &userID, &fileID, &from)
	if err != nil {
		return nil, toStoreErr(err)
	}
	t.Token = uuid.Parse(tok)
	t.UserID = uuid.Parse(userID)
	t.FileID = uuid.Parse(fileID)
	if from.Valid {
		t.CreatedFrom = net.ParseIP(from.String)
	}
	return &t, nil
}

// RevokeToken deletes the token; revoking an unknown token is success.
func (p *PgStore) RevokeToken(ctx context.Context, token uuid.UUID) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM access_token WHERE token = $1`, token.String())
	return toStoreErr(err)
}
