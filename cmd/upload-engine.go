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
	"time"

	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/cmd/logger"
	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// Upload limits and lifetimes.
const (
	maxFileSize = 1000000000 // largest accepted upload
	chunkSize   = 10000000   // one presigned part per chunk

	leaseTTL   = 6 * time.Hour
	partURLTTL = 1800 * time.Second
	putURLTTL  = 900 * time.Second
	getURLTTL  = 20 * time.Second
)

// uploadEngine drives the upload-lease state machine: it reserves object
// names, vends presigned part URLs and finalizes multipart transfers. Only
// pending leases accept URL re-issuance; completed and expired leases are
// terminal.
type uploadEngine struct {
	store   meta.Store
	backend objstore.Backend
}

// uploadTicket is what a client needs to drive its chunk uploads.
type uploadTicket struct {
	LeaseID  uuid.UUID `json:"lease_id"`
	UploadID string    `json:"upload_id"`
	URIs     []string  `json:"uris"`
}

// chunkCount returns the number of parts for an upload of the given size.
// Exact multiples of the chunk size do not get a trailing empty part.
func chunkCount(size int64) int64 {
	count := size/chunkSize + 1
	if size%chunkSize == 0 {
		count--
	}
	return count
}

// partURLs presigns one URL per chunk, in part-number order.
func (u *uploadEngine) partURLs(ctx context.Context, lease *meta.UploadLease) ([]string, error) {
	count := chunkCount(lease.Size)
	uris := make([]string, 0, count)
	for n := int64(1); n <= count; n++ {
		uri, err := u.backend.PresignPart(ctx, lease.Bucket, lease.Name, lease.UploadID, n, partURLTTL)
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// RequestUpload validates the request, opens a multipart session and
// persists the lease. If the lease cannot be persisted the multipart session
// is aborted so the store does not accumulate orphans.
func (u *uploadEngine) RequestUpload(ctx context.Context, userID uuid.UUID, name string, size int64) (*uploadTicket, error) {
	if size <= 0 {
		return nil, InvalidUploadSize{Size: size}
	}
	if size > maxFileSize {
		return nil, FileTooLarge{Size: size, Max: maxFileSize}
	}

	key := userPath(userID, name)
	uploadID, err := u.backend.StartMultipart(ctx, objstore.UserFiles, key)
	if err != nil {
		return nil, err
	}

	now := UTCNow()
	lease := &meta.UploadLease{
		ID:        mustGetUUID(),
		UploadID:  uploadID,
		Owner:     userID,
		Size:      size,
		CreatedAt: now,
		ExpiresAt: now.Add(leaseTTL),
		Bucket:    objstore.UserFiles,
		Name:      key,
	}
	lease, err = u.store.AddLease(ctx, lease)
	if err != nil {
		if aerr := u.backend.AbortMultipart(ctx, objstore.UserFiles, key, uploadID); aerr != nil {
			logger.LogIf(ctx, aerr)
		}
		return nil, err
	}

	uris, err := u.partURLs(ctx, lease)
	if err != nil {
		return nil, err
	}
	return &uploadTicket{LeaseID: lease.ID, UploadID: uploadID, URIs: uris}, nil
}

// ResumeUpload re-issues the part URLs of a still-pending lease.
func (u *uploadEngine) ResumeUpload(ctx context.Context, leaseID uuid.UUID) (*uploadTicket, error) {
	lease, err := u.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease.Completed {
		return nil, LeaseCompletedError{ID: lease.ID.String()}
	}
	if lease.Expired(UTCNow()) {
		return nil, meta.LeaseExpiredError{ID: lease.ID}
	}
	uris, err := u.partURLs(ctx, lease)
	if err != nil {
		return nil, err
	}
	return &uploadTicket{LeaseID: lease.ID, UploadID: lease.UploadID, URIs: uris}, nil
}

// FinishUpload marks the lease completed and commits the multipart session
// with the client-acknowledged parts. Marking completed and committing are
// not atomic across the two systems: when the commit fails the completion is
// rolled back best-effort so a later finish can retry while the lease lives.
func (u *uploadEngine) FinishUpload(ctx context.Context, leaseID uuid.UUID, uploadID string, parts []objstore.CompletedPart) error {
	lease, err := u.store.MarkLeaseCompleted(ctx, leaseID)
	if err != nil {
		return err
	}
	if uploadID == "" {
		uploadID = lease.UploadID
	}
	if err := u.backend.CompleteMultipart(ctx, lease.Bucket, lease.Name, uploadID, parts); err != nil {
		if rerr := u.store.RollbackLeaseCompleted(ctx, leaseID); rerr != nil {
			logger.LogIf(ctx, rerr)
		}
		return err
	}
	return nil
}

// LeasesForUser lists the caller's leases.
func (u *uploadEngine) LeasesForUser(ctx context.Context, userID uuid.UUID) ([]meta.UploadLease, error) {
	return u.store.LeasesByOwner(ctx, userID)
}

// RequestAvatarUpload issues a single presigned PUT into the avatars bucket
// and records the fresh avatar id on the user.
func (u *uploadEngine) RequestAvatarUpload(ctx context.Context, userID uuid.UUID) (string, uuid.UUID, error) {
	avatarID := mustGetUUID()
	uri, err := u.backend.PresignPut(ctx, objstore.ProfileImages, avatarID.String(), putURLTTL)
	if err != nil {
		return "", nil, err
	}
	if err := u.store.SetUserAvatar(ctx, userID, avatarID); err != nil {
		return "", nil, err
	}
	return uri, avatarID, nil
}
