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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	humanize "github.com/dustin/go-humanize"

	"github.com/FinnRG/genbu-beta/cmd/logger"
	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// APIError structure
type APIError struct {
	Code           string
	Description    string
	HTTPStatusCode int
}

// Generic sentinel errors shared by the handlers.
var (
	errServerNotInitialized = errors.New("server not initialized, please try again later")
	errAuthentication       = errors.New("authentication failed, check your credentials")
	errNoAuthToken          = errors.New("session token missing")
	errInvalidArgument      = errors.New("invalid argument")
	errNotImplemented       = errors.New("functionality not implemented")
)

// FileTooLarge - requested upload exceeds the service limit.
type FileTooLarge struct {
	Size int64
	Max  int64
}

func (e FileTooLarge) Error() string {
	return fmt.Sprintf("file size %s exceeds maximum %s",
		humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Max)))
}

// InvalidUploadSize - zero or negative upload size.
type InvalidUploadSize struct {
	Size int64
}

func (e InvalidUploadSize) Error() string {
	return fmt.Sprintf("invalid upload size %d", e.Size)
}

// LeaseCompletedError - the lease finished earlier; only pending leases
// accept URL re-issuance.
type LeaseCompletedError struct {
	ID string
}

func (e LeaseCompletedError) Error() string {
	return "upload lease " + e.ID + " already completed"
}

// toAPIError converts any error the core surfaces into the one APIError the
// JSON gateway writes. WOPI outcomes are mapped separately by
// writeWopiResult.
func toAPIError(err error) APIError {
	switch err {
	case errServerNotInitialized:
		return APIError{"ServerNotInitialized", err.Error(), http.StatusServiceUnavailable}
	case errAuthentication, errNoAuthToken:
		return APIError{"AccessDenied", err.Error(), http.StatusUnauthorized}
	case errInvalidArgument:
		return APIError{"InvalidArgument", err.Error(), http.StatusBadRequest}
	case errNotImplemented:
		return APIError{"NotImplemented", err.Error(), http.StatusNotImplemented}
	case meta.ErrNotFound:
		return APIError{"NotFound", "the referenced entity does not exist", http.StatusNotFound}
	}

	switch e := err.(type) {
	case FileTooLarge:
		return APIError{"EntityTooLarge", e.Error(), http.StatusForbidden}
	case InvalidUploadSize:
		return APIError{"InvalidUploadSize", e.Error(), http.StatusUnprocessableEntity}
	case LeaseCompletedError:
		return APIError{"LeaseCompleted", e.Error(), http.StatusGone}
	case meta.LeaseExpiredError:
		return APIError{"LeaseExpired", e.Error(), http.StatusGone}
	case meta.PathExistsError:
		return APIError{"FileAlreadyExists", e.Error(), http.StatusConflict}
	case meta.EmailExistsError:
		return APIError{"EmailAlreadyExists", e.Error(), http.StatusConflict}
	case meta.ConnectionError:
		return APIError{"StoreConnection", "metadata store unreachable", http.StatusBadGateway}
	case objstore.ConnectionError:
		return APIError{"StorageConnection", "object store unreachable", http.StatusBadGateway}
	case objstore.ObjectNotFound:
		return APIError{"NoSuchKey", e.Error(), http.StatusNotFound}
	case objstore.InvalidUploadID:
		return APIError{"NoSuchUpload", e.Error(), http.StatusNotFound}
	case objstore.PresignError:
		return APIError{"Presigning", "error during presigning", http.StatusInternalServerError}
	}

	// Log unexpected and unhandled errors.
	logger.LogIf(context.Background(), err)
	return APIError{"InternalError", "unknown internal error", http.StatusInternalServerError}
}

// writeErrorResponse - set HTTP status code and write the error description
// as a JSON body.
func writeErrorResponse(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	writeJSONResponse(w, apiErr.HTTPStatusCode, map[string]string{"error": apiErr.Description})
}

// writeJSONResponse encodes v with the given status.
func writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
