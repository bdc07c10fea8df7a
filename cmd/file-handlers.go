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
	"encoding/json"
	"io"
	"net/http"

	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/cmd/logger"
	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// Request bodies are small JSON envelopes; bound them to keep misbehaving
// clients from holding connections open.
const maxBodyBytes = 1 << 20

// apiHandlers carries the composed application state behind the HTTP
// surface.
type apiHandlers struct {
	store   meta.Store
	backend objstore.Backend
	uploads *uploadEngine
	wopi    *wopiEngine
	tokens  *tokenService
	fs      *fsView
}

// newAPIHandlers wires the engines onto one store and backend.
func newAPIHandlers(store meta.Store, backend objstore.Backend) *apiHandlers {
	tokens := &tokenService{store: store}
	return &apiHandlers{
		store:   store,
		backend: backend,
		uploads: &uploadEngine{store: store, backend: backend},
		wopi:    &wopiEngine{store: store, backend: backend, tokens: tokens},
		tokens:  tokens,
		fs:      &fsView{backend: backend},
	}
}

// reqContext tags the request context for logging.
func reqContext(r *http.Request, api, filePath string) *http.Request {
	reqInfo := logger.NewReqInfo(r.RemoteAddr, r.UserAgent(), requestID(), api, objstore.UserFiles.Name(), filePath)
	return r.WithContext(logger.SetReqInfo(r.Context(), reqInfo))
}

func decodeJSONBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errInvalidArgument
	}
	return nil
}

// UploadRequestArgs - upload reservation request.
type UploadRequestArgs struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// UploadRequest - POST /api/files/upload
// Reserves an object name and answers with the lease id, the multipart
// upload id and one presigned URL per chunk.
func (api *apiHandlers) UploadRequest(w http.ResponseWriter, r *http.Request) {
	r = reqContext(r, "UploadRequest", "")
	userID, err := webRequestAuthenticate(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	var args UploadRequestArgs
	if err := decodeJSONBody(r, &args); err != nil {
		writeErrorResponse(w, err)
		return
	}
	if args.Name == "" {
		writeErrorResponse(w, errInvalidArgument)
		return
	}
	ticket, err := api.uploads.RequestUpload(r.Context(), userID, args.Name, args.Size)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, ticket)
}

// UploadResume - GET /api/files/upload?lease_id=
// Re-issues the part URLs of a pending lease.
func (api *apiHandlers) UploadResume(w http.ResponseWriter, r *http.Request) {
	r = reqContext(r, "UploadResume", "")
	if _, err := webRequestAuthenticate(r); err != nil {
		writeErrorResponse(w, err)
		return
	}
	leaseID := uuid.Parse(r.URL.Query().Get("lease_id"))
	if leaseID == nil {
		writeErrorResponse(w, errInvalidArgument)
		return
	}
	ticket, err := api.uploads.ResumeUpload(r.Context(), leaseID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, ticket)
}

// UploadFinishArgs - multipart completion request.
type UploadFinishArgs struct {
	LeaseID  string                   `json:"lease_id"`
	UploadID string                   `json:"upload_id"`
	Parts    []objstore.CompletedPart `json:"parts"`
}

// UploadFinish - POST /api/files/upload/finish
// Marks the lease completed and commits the multipart upload with the
// client-acknowledged part list.
func (api *apiHandlers) UploadFinish(w http.ResponseWriter, r *http.Request) {
	r = reqContext(r, "UploadFinish", "")
	if _, err := webRequestAuthenticate(r); err != nil {
		writeErrorResponse(w, err)
		return
	}
	var args UploadFinishArgs
	if err := decodeJSONBody(r, &args); err != nil {
		writeErrorResponse(w, err)
		return
	}
	leaseID := uuid.Parse(args.LeaseID)
	if leaseID == nil {
		writeErrorResponse(w, errInvalidArgument)
		return
	}
	if err := api.uploads.FinishUpload(r.Context(), leaseID, args.UploadID, args.Parts); err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListUploads - GET /api/files/uploads
// Lists the caller's upload leases.
func (api *apiHandlers) ListUploads(w http.ResponseWriter, r *http.Request) {
	r = reqContext(r, "ListUploads", "")
	userID, err := webRequestAuthenticate(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	leases, err := api.uploads.LeasesForUser(r.Context(), userID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	if leases == nil {
		leases = []meta.UploadLease{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"leases": leases})
}

// Download - GET /api/files/download?bucket=&file_path=
// Redirects to a short-lived presigned GET. Only the userfiles bucket is
// addressable; other buckets answer 501.
func (api *apiHandlers) Download(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("file_path")
	r = reqContext(r, "Download", filePath)
	userID, err := webRequestAuthenticate(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	bucket, ok := objstore.ParseBucket(r.URL.Query().Get("bucket"))
	if !ok {
		writeErrorResponse(w, errInvalidArgument)
		return
	}
	url, err := api.fs.DownloadURL(r.Context(), userID, bucket, filePath)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	w.Header().Set("Location", url)
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// FilesystemList - GET /api/filesystem?base_path=
// Lists the caller's files and folders below base_path.
func (api *apiHandlers) FilesystemList(w http.ResponseWriter, r *http.Request) {
	basePath := r.URL.Query().Get("base_path")
	r = reqContext(r, "FilesystemList", basePath)
	userID, err := webRequestAuthenticate(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	files, err := api.fs.List(r.Context(), userID, basePath)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"files": files})
}

// FilesystemDelete - DELETE /api/filesystem?path=
// Removes the object at the caller's path. Not recursive.
func (api *apiHandlers) FilesystemDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	r = reqContext(r, "FilesystemDelete", path)
	userID, err := webRequestAuthenticate(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	if path == "" {
		writeErrorResponse(w, errInvalidArgument)
		return
	}
	if err := api.fs.Delete(r.Context(), userID, path); err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AvatarUpload - POST /api/user/avatar
// Issues a presigned PUT into the avatars bucket and records the avatar id.
func (api *apiHandlers) AvatarUpload(w http.ResponseWriter, r *http.Request) {
	r = reqContext(r, "AvatarUpload", "")
	userID, err := webRequestAuthenticate(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	uri, avatarID, err := api.uploads.RequestAvatarUpload(r.Context(), userID)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"uri":       uri,
		"avatar_id": avatarID.String(),
	})
}

// WopiToken - GET /api/wopi/token?file_id=
// Hands the caller an access token plus the editor URL for one file.
func (api *apiHandlers) WopiToken(w http.ResponseWriter, r *http.Request) {
	r = reqContext(r, "WopiToken", "")
	userID, err := webRequestAuthenticate(r)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	fileID := uuid.Parse(r.URL.Query().Get("file_id"))
	if fileID == nil {
		writeErrorResponse(w, errInvalidArgument)
		return
	}
	if _, err := api.store.GetFile(r.Context(), fileID); err != nil {
		writeErrorResponse(w, err)
		return
	}
	token, err := api.tokens.Create(r.Context(), userID, fileID, remoteIP(r))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"token": token.String(),
		"url":   wopiFileURL(publicHost(), fileID, token),
	})
}
