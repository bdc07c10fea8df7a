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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// initTestRouter wires the full HTTP surface for handler tests.
func initTestRouter(t *testing.T) (*mux.Router, *apiHandlers, *meta.MemStore, *objstore.MemBackend) {
	t.Helper()
	api, store, backend := initTestAPI(t)
	router := mux.NewRouter()
	registerAPIRouter(router, api)
	return router, api, store, backend
}

func doJSONRequest(t *testing.T, router *mux.Router, method, path string, userID uuid.UUID, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal("Unexpected err: ", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	if userID != nil {
		attachSession(t, r, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestUploadRequestHandler(t *testing.T) {
	router, _, store, _ := initTestRouter(t)
	user := addTestUser(t, store)

	// Small upload answers exactly one URL.
	w := doJSONRequest(t, router, http.MethodPost, "/api/files/upload", user.ID,
		UploadRequestArgs{Name: "test.jpg", Size: 2365})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ticket uploadTicket
	if err := json.Unmarshal(w.Body.Bytes(), &ticket); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if len(ticket.URIs) != 1 {
		t.Fatalf("expected 1 uri, got %d", len(ticket.URIs))
	}
	if ticket.UploadID == "" || ticket.LeaseID == nil {
		t.Fatal("missing upload or lease id")
	}
}

func TestUploadRequestHandlerRejections(t *testing.T) {
	router, _, store, _ := initTestRouter(t)
	user := addTestUser(t, store)

	testCases := []struct {
		size   int64
		status int
	}{
		{1000000100, http.StatusForbidden},
		{-10, http.StatusUnprocessableEntity},
		{0, http.StatusUnprocessableEntity},
	}
	for i, testCase := range testCases {
		w := doJSONRequest(t, router, http.MethodPost, "/api/files/upload", user.ID,
			UploadRequestArgs{Name: "test.jpg", Size: testCase.size})
		if w.Code != testCase.status {
			t.Errorf("Test %d: expected %d, got %d: %s", i+1, testCase.status, w.Code, w.Body.String())
		}
	}

	// No session cookie.
	w := doJSONRequest(t, router, http.MethodPost, "/api/files/upload", nil,
		UploadRequestArgs{Name: "test.jpg", Size: 100})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestUploadMultipartHandler(t *testing.T) {
	router, _, store, _ := initTestRouter(t)
	user := addTestUser(t, store)

	w := doJSONRequest(t, router, http.MethodPost, "/api/files/upload", user.ID,
		UploadRequestArgs{Name: "test.jpg", Size: 20000000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ticket uploadTicket
	if err := json.Unmarshal(w.Body.Bytes(), &ticket); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if len(ticket.URIs) != 2 {
		t.Fatalf("expected exactly 2 uris, got %d", len(ticket.URIs))
	}
	if ticket.UploadID == "" {
		t.Fatal("missing upload id")
	}
}

func TestUploadFinishAndFilesystemListHandler(t *testing.T) {
	router, _, store, backend := initTestRouter(t)
	user := addTestUser(t, store)

	w := doJSONRequest(t, router, http.MethodPost, "/api/files/upload", user.ID,
		UploadRequestArgs{Name: "test.jpg", Size: 2365})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ticket uploadTicket
	if err := json.Unmarshal(w.Body.Bytes(), &ticket); err != nil {
		t.Fatal("Unexpected err: ", err)
	}

	payload := make([]byte, 2365)
	etag, err := backend.PutPart(ticket.UploadID, 1, payload)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	w = doJSONRequest(t, router, http.MethodPost, "/api/files/upload/finish", user.ID,
		UploadFinishArgs{
			LeaseID:  ticket.LeaseID.String(),
			UploadID: ticket.UploadID,
			Parts:    []objstore.CompletedPart{{PartNumber: 1, ETag: etag}},
		})
	if w.Code != http.StatusOK {
		t.Fatalf("finish: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The finished upload is visible in the filesystem view, name relative
	// to the user root.
	w = doJSONRequest(t, router, http.MethodGet, "/api/filesystem?base_path=", user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var listing struct {
		Files []userFile `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if len(listing.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(listing.Files))
	}
	file := listing.Files[0]
	if file.Name != "test.jpg" || file.IsFolder {
		t.Fatalf("unexpected entry %+v", file)
	}
	if file.Size == nil || *file.Size != 2365 {
		t.Fatalf("unexpected size %v", file.Size)
	}
	if strings.HasPrefix(file.Name, user.ID.String()) {
		t.Fatal("listing leaked the key namespace")
	}
}

func TestUploadFinishHandlerErrors(t *testing.T) {
	router, _, store, _ := initTestRouter(t)
	user := addTestUser(t, store)

	// Unknown lease.
	w := doJSONRequest(t, router, http.MethodPost, "/api/files/upload/finish", user.ID,
		UploadFinishArgs{LeaseID: mustGetUUID().String()})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	// Expired lease answers 410 Gone.
	stale := &meta.UploadLease{
		ID:        mustGetUUID(),
		UploadID:  "upload-stale",
		Owner:     user.ID,
		Size:      10,
		ExpiresAt: UTCNow().Add(-time.Hour),
		Bucket:    objstore.UserFiles,
		Name:      userPath(user.ID, "stale.bin"),
	}
	if _, err := store.AddLease(nil, stale); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	w = doJSONRequest(t, router, http.MethodPost, "/api/files/upload/finish", user.ID,
		UploadFinishArgs{LeaseID: stale.ID.String(), UploadID: stale.UploadID})
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDownloadHandler(t *testing.T) {
	router, _, store, backend := initTestRouter(t)
	user := addTestUser(t, store)
	addTestFile(t, store, backend, user.ID, userPath(user.ID, "file.bin"), []byte("data"))

	w := doJSONRequest(t, router, http.MethodGet,
		"/api/files/download?bucket=userfiles&file_path=file.bin", user.ID, nil)
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", w.Code)
	}
	if w.Header().Get("Location") == "" {
		t.Fatal("missing presigned redirect location")
	}

	// Buckets other than userfiles are not implemented.
	w = doJSONRequest(t, router, http.MethodGet,
		"/api/files/download?bucket=videos&file_path=file.bin", user.ID, nil)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}

	// Unknown bucket name.
	w = doJSONRequest(t, router, http.MethodGet,
		"/api/files/download?bucket=nope&file_path=file.bin", user.ID, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestFilesystemDeleteHandler(t *testing.T) {
	router, _, store, backend := initTestRouter(t)
	user := addTestUser(t, store)
	addTestFile(t, store, backend, user.ID, userPath(user.ID, "gone.bin"), []byte("data"))

	w := doJSONRequest(t, router, http.MethodDelete, "/api/filesystem?path=gone.bin", user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = doJSONRequest(t, router, http.MethodGet, "/api/filesystem?base_path=", user.ID, nil)
	var listing struct {
		Files []userFile `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if len(listing.Files) != 0 {
		t.Fatalf("expected empty listing, got %d entries", len(listing.Files))
	}
}

func TestFilesystemFolderListing(t *testing.T) {
	router, _, store, backend := initTestRouter(t)
	user := addTestUser(t, store)
	addTestFile(t, store, backend, user.ID, userPath(user.ID, `docs\a.txt`), []byte("a"))
	addTestFile(t, store, backend, user.ID, userPath(user.ID, `docs\b.txt`), []byte("b"))
	addTestFile(t, store, backend, user.ID, userPath(user.ID, `top.txt`), []byte("t"))

	w := doJSONRequest(t, router, http.MethodGet, "/api/filesystem?base_path=", user.ID, nil)
	var listing struct {
		Files []userFile `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if len(listing.Files) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(listing.Files), listing.Files)
	}
	var sawFolder, sawFile bool
	for _, f := range listing.Files {
		switch {
		case f.IsFolder:
			sawFolder = true
			if f.Name != `docs\` {
				t.Errorf("unexpected folder name %q", f.Name)
			}
			if f.Size != nil {
				t.Error("folder carries a size")
			}
		default:
			sawFile = true
			if f.Name != "top.txt" {
				t.Errorf("unexpected file name %q", f.Name)
			}
		}
	}
	if !sawFolder || !sawFile {
		t.Fatalf("expected one folder and one file, got %+v", listing.Files)
	}
}

func TestWopiTokenHandler(t *testing.T) {
	router, api, store, backend := initTestRouter(t)
	user := addTestUser(t, store)
	file := addTestFile(t, store, backend, user.ID, userPath(user.ID, "doc.odt"), nil)

	w := doJSONRequest(t, router, http.MethodGet, "/api/wopi/token?file_id="+file.ID.String(), user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var reply struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	resolved, err := api.tokens.Resolve(nil, uuid.Parse(reply.Token))
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if resolved.FileID.String() != file.ID.String() {
		t.Fatal("token bound to wrong file")
	}
	wantURL := fmt.Sprintf("http://127.0.0.1:8080/api/wopi/files/%s?access_token=%s", file.ID, reply.Token)
	if reply.URL != wantURL {
		t.Fatalf("expected url %q, got %q", wantURL, reply.URL)
	}

	// Unknown file.
	w = doJSONRequest(t, router, http.MethodGet, "/api/wopi/token?file_id="+mustGetUUID().String(), user.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAvatarUploadHandler(t *testing.T) {
	router, _, store, _ := initTestRouter(t)
	user := addTestUser(t, store)

	w := doJSONRequest(t, router, http.MethodPost, "/api/user/avatar", user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var reply struct {
		URI      string `json:"uri"`
		AvatarID string `json:"avatar_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if reply.URI == "" || uuid.Parse(reply.AvatarID) == nil {
		t.Fatalf("unexpected reply %+v", reply)
	}
	updated, err := store.GetUser(nil, user.ID)
	if err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if updated.Avatar.String() != reply.AvatarID {
		t.Fatal("avatar id not recorded on the user")
	}
}

func TestListUploadsHandler(t *testing.T) {
	router, _, store, _ := initTestRouter(t)
	user := addTestUser(t, store)

	w := doJSONRequest(t, router, http.MethodPost, "/api/files/upload", user.ID,
		UploadRequestArgs{Name: "test.jpg", Size: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = doJSONRequest(t, router, http.MethodGet, "/api/files/uploads", user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var reply struct {
		Leases []map[string]interface{} `json:"leases"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal("Unexpected err: ", err)
	}
	if len(reply.Leases) != 1 {
		t.Fatalf("expected 1 lease, got %d", len(reply.Leases))
	}
	lease := reply.Leases[0]
	for _, key := range []string{"id", "s3_upload_id", "owner", "completed", "size", "created_at", "expires_at", "bucket", "name"} {
		if _, ok := lease[key]; !ok {
			t.Errorf("lease JSON missing %q", key)
		}
	}
	if lease["bucket"] != "userfiles" {
		t.Errorf("expected bucket userfiles, got %v", lease["bucket"])
	}
}
