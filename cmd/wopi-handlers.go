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
	"io"
	"io/ioutil"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/cmd/logger"
)

// WOPI protocol headers, bit-exact.
const (
	wopiOverride          = "X-WOPI-Override"
	wopiLock              = "X-WOPI-Lock"
	wopiOldLock           = "X-WOPI-OldLock"
	wopiRelativeTarget    = "X-WOPI-RelativeTarget"
	wopiSuggestedTarget   = "X-WOPI-SuggestedTarget"
	wopiOverwriteRelative = "X-WOPI-OverwriteRelativeTarget"
	wopiSize              = "X-WOPI-Size"
	wopiFileConversion    = "X-WOPI-FileConversion"
	wopiLockFailureReason = "X-WOPI-LockFailureReason"
	wopiItemVersion       = "X-WOPI-ItemVersion"
)

// X-WOPI-Override verbs.
const (
	overrideLock        = "LOCK"
	overrideUnlock      = "UNLOCK"
	overrideRefreshLock = "REFRESH_LOCK"
	overrideGetLock     = "GET_LOCK"
	overridePutRelative = "PUT_RELATIVE"
	overridePut         = "PUT"
)

// WOPI file bodies stream from editors; bound well above the upload limit so
// the engine, not the transport, is the authority on size faults.
const maxWopiBodyBytes = maxFileSize + 1

// wopiAuthenticate resolves the access_token query parameter and checks the
// token binding: operations are granted only against the bound file.
func (api *apiHandlers) wopiAuthenticate(r *http.Request, fileID uuid.UUID) (uuid.UUID, error) {
	raw := r.URL.Query().Get("access_token")
	if raw == "" {
		return nil, errNoAuthToken
	}
	tokenID := uuid.Parse(raw)
	if tokenID == nil {
		return nil, errAuthentication
	}
	token, err := api.tokens.Resolve(r.Context(), tokenID)
	if err != nil {
		return nil, errAuthentication
	}
	if !uuid.Equal(token.FileID, fileID) {
		return nil, errAuthentication
	}
	return token.UserID, nil
}

// writeWopiResult maps a tagged engine outcome onto status and headers. On
// every conflict the X-WOPI-Lock header carries the holder, empty included.
func writeWopiResult(w http.ResponseWriter, r *http.Request, res wopiResult) bool {
	if res.Err != nil {
		logger.LogIf(r.Context(), res.Err)
	}
	switch res.Status {
	case wopiOK:
		return true
	case wopiBadRequest:
		if res.Reason != "" {
			w.Header().Set(wopiLockFailureReason, res.Reason)
		}
		w.WriteHeader(http.StatusBadRequest)
	case wopiNotFound:
		w.WriteHeader(http.StatusNotFound)
	case wopiConflict, wopiLocked, wopiFileExists:
		w.Header().Set(wopiLock, res.Lock)
		if res.Reason != "" {
			w.Header().Set(wopiLockFailureReason, res.Reason)
		}
		w.WriteHeader(http.StatusConflict)
	case wopiTooLarge:
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	return false
}

func wopiFileID(r *http.Request) uuid.UUID {
	return uuid.Parse(mux.Vars(r)["id"])
}

// WopiCheckFileInfo - GET /api/wopi/files/{id}
// Answers the capability descriptor for the editor session.
func (api *apiHandlers) WopiCheckFileInfo(w http.ResponseWriter, r *http.Request) {
	fileID := wopiFileID(r)
	r = reqContext(r, "WopiCheckFileInfo", "")
	if fileID == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID, err := api.wopiAuthenticate(r, fileID)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	info, res := api.wopi.CheckFileInfo(r.Context(), fileID, userID)
	if !writeWopiResult(w, r, res) {
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

// WopiFileOperation - POST /api/wopi/files/{id}
// Dispatches the lock verbs and PutRelativeFile on the X-WOPI-Override
// header.
func (api *apiHandlers) WopiFileOperation(w http.ResponseWriter, r *http.Request) {
	fileID := wopiFileID(r)
	r = reqContext(r, "WopiFileOperation", "")
	if fileID == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID, err := api.wopiAuthenticate(r, fileID)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	lock := r.Header.Get(wopiLock)
	switch r.Header.Get(wopiOverride) {
	case overrideLock:
		// LOCK doubles as UnlockAndRelock when X-WOPI-OldLock rides
		// along.
		if oldLock := r.Header.Get(wopiOldLock); oldLock != "" {
			if writeWopiResult(w, r, api.wopi.UnlockAndRelock(ctx, fileID, oldLock, lock)) {
				w.WriteHeader(http.StatusOK)
			}
			return
		}
		if writeWopiResult(w, r, api.wopi.Lock(ctx, fileID, lock)) {
			w.WriteHeader(http.StatusOK)
		}
	case overrideUnlock:
		if writeWopiResult(w, r, api.wopi.Unlock(ctx, fileID, lock)) {
			w.WriteHeader(http.StatusOK)
		}
	case overrideRefreshLock:
		if writeWopiResult(w, r, api.wopi.RefreshLock(ctx, fileID, lock)) {
			w.WriteHeader(http.StatusOK)
		}
	case overrideGetLock:
		current, res := api.wopi.GetLock(ctx, fileID)
		if writeWopiResult(w, r, res) {
			w.Header().Set(wopiLock, current)
			w.WriteHeader(http.StatusOK)
		}
	case overridePutRelative:
		api.wopiPutRelative(w, r, fileID, userID)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (api *apiHandlers) wopiPutRelative(w http.ResponseWriter, r *http.Request, fileID, userID uuid.UUID) {
	relative := r.Header.Get(wopiRelativeTarget)
	suggested := r.Header.Get(wopiSuggestedTarget)
	if (relative == "") == (suggested == "") {
		// Exactly one target mode must be requested.
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxWopiBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var info *putRelativeInfo
	var res wopiResult
	if relative != "" {
		overwrite := r.Header.Get(wopiOverwriteRelative) == "true"
		info, res = api.wopi.PutRelativeSpecific(r.Context(), fileID, userID, relative, overwrite, body, remoteIP(r))
	} else {
		info, res = api.wopi.PutRelativeSuggested(r.Context(), fileID, userID, suggested, body, remoteIP(r))
	}
	if !writeWopiResult(w, r, res) {
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

// WopiGetFile - GET /api/wopi/files/{id}/contents
// Streams the file bytes to the editor.
func (api *apiHandlers) WopiGetFile(w http.ResponseWriter, r *http.Request) {
	fileID := wopiFileID(r)
	r = reqContext(r, "WopiGetFile", "")
	if fileID == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, err := api.wopiAuthenticate(r, fileID); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	data, res := api.wopi.GetFile(r.Context(), fileID)
	if !writeWopiResult(w, r, res) {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// WopiPutFile - POST/PUT /api/wopi/files/{id}/contents
// Persists new file content under the lock predicate.
func (api *apiHandlers) WopiPutFile(w http.ResponseWriter, r *http.Request) {
	fileID := wopiFileID(r)
	r = reqContext(r, "WopiPutFile", "")
	if fileID == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, err := api.wopiAuthenticate(r, fileID); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if override := r.Header.Get(wopiOverride); override != "" && override != overridePut {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxWopiBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if writeWopiResult(w, r, api.wopi.PutFile(r.Context(), fileID, r.Header.Get(wopiLock), body)) {
		w.WriteHeader(http.StatusOK)
	}
}
