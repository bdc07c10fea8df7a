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

	"github.com/FinnRG/genbu-beta/cmd/logger"
	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// Expired, never-finished leases are pruned in the background. Lock rows are
// never swept: the store treats an expired lock as absent on its own.
const leaseCleanupInterval = time.Hour

// cleanupExpiredLeases aborts the multipart sessions of expired pending
// leases and removes those leases. A lease whose abort fails for a reason
// other than an unknown session is kept for the next pass. Blocking; run in
// a go-routine.
func cleanupExpiredLeases(store meta.Store, backend objstore.Backend, cleanupInterval time.Duration, doneCh <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-doneCh:
			return
		case <-ticker.C:
			cleanupExpiredLeasesOnce(store, backend)
		}
	}
}

// cleanupExpiredLeasesOnce runs a single pruning pass.
func cleanupExpiredLeasesOnce(store meta.Store, backend objstore.Backend) {
	ctx := context.Background()
	leases, err := store.ExpiredLeases(ctx, UTCNow())
	if err != nil {
		logger.LogIf(ctx, err)
		return
	}
	for _, lease := range leases {
		err := backend.AbortMultipart(ctx, lease.Bucket, lease.Name, lease.UploadID)
		if err != nil {
			if _, ok := err.(objstore.InvalidUploadID); !ok {
				logger.LogIf(ctx, err)
				continue
			}
		}
		if _, err := store.DeleteLease(ctx, lease.ID); err != nil && err != meta.ErrNotFound {
			logger.LogIf(ctx, err)
		}
	}
}
