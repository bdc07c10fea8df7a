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
	"strings"
	"time"

	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// userFile is one visible entry of a user's directory listing. Size is nil
// exactly when the entry is a folder.
type userFile struct {
	Name         string     `json:"name"`
	Owner        uuid.UUID  `json:"owner"`
	IsFolder     bool       `json:"is_folder"`
	Size         *int64     `json:"size"`
	LastModified *time.Time `json:"last_modified"`
}

// fsView translates between a user's virtual paths and object keys in the
// userfiles bucket. Keys are `<owner-uuid>\<virtual-path>`; folders are
// nothing but common key prefixes.
type fsView struct {
	backend objstore.Backend
}

// List returns the files and folders directly below basePath. Names come
// back relative to the user's root, never exposing the key namespace.
func (v *fsView) List(ctx context.Context, userID uuid.UUID, basePath string) ([]userFile, error) {
	prefix := userPath(userID, basePath)
	result, err := v.backend.List(ctx, objstore.UserFiles, prefix, pathSeparator)
	if err != nil {
		return nil, err
	}

	strip := userPath(userID, "")
	files := make([]userFile, 0, len(result.Objects)+len(result.CommonPrefixes))
	for _, obj := range result.Objects {
		size := obj.Size
		modTime := obj.LastModified
		files = append(files, userFile{
			Name:         strings.TrimPrefix(obj.Key, strip),
			Owner:        userID,
			IsFolder:     false,
			Size:         &size,
			LastModified: &modTime,
		})
	}
	for _, cp := range result.CommonPrefixes {
		files = append(files, userFile{
			Name:     strings.TrimPrefix(cp, strip),
			Owner:    userID,
			IsFolder: true,
		})
	}
	return files, nil
}

// Delete removes the object at the user's path. There is no recursive
// delete; folders disappear with their last object.
func (v *fsView) Delete(ctx context.Context, userID uuid.UUID, path string) error {
	return v.backend.Delete(ctx, objstore.UserFiles, userPath(userID, path))
}

// DownloadURL presigns a short-lived GET for the user's file. Only the
// userfiles bucket is user-addressable.
func (v *fsView) DownloadURL(ctx context.Context, userID uuid.UUID, bucket objstore.Bucket, path string) (string, error) {
	if bucket != objstore.UserFiles {
		return "", errNotImplemented
	}
	return v.backend.PresignGet(ctx, bucket, userPath(userID, path), getURLTTL)
}
