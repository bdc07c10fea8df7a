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
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	filesAPIPathPrefix      = "/api/files"
	filesystemAPIPathPrefix = "/api/filesystem"
	wopiAPIPathPrefix       = "/api/wopi"
	userAPIPathPrefix       = "/api/user"
)

// registerAPIRouter - add handler functions for each service REST API route.
func registerAPIRouter(router *mux.Router, api *apiHandlers) {
	// File transfer operations
	filesRouter := router.PathPrefix(filesAPIPathPrefix).Subrouter()
	filesRouter.Methods(http.MethodPost).Path("/upload").HandlerFunc(api.UploadRequest)
	filesRouter.Methods(http.MethodGet).Path("/upload").HandlerFunc(api.UploadResume)
	filesRouter.Methods(http.MethodPost).Path("/upload/finish").HandlerFunc(api.UploadFinish)
	filesRouter.Methods(http.MethodGet).Path("/uploads").HandlerFunc(api.ListUploads)
	filesRouter.Methods(http.MethodGet).Path("/download").HandlerFunc(api.Download)

	// Filesystem view
	router.Methods(http.MethodGet).Path(filesystemAPIPathPrefix).HandlerFunc(api.FilesystemList)
	router.Methods(http.MethodDelete).Path(filesystemAPIPathPrefix).HandlerFunc(api.FilesystemDelete)

	// WOPI protocol
	wopiRouter := router.PathPrefix(wopiAPIPathPrefix).Subrouter()
	wopiRouter.Methods(http.MethodGet).Path("/token").HandlerFunc(api.WopiToken)
	wopiRouter.Methods(http.MethodGet).Path("/files/{id}").HandlerFunc(api.WopiCheckFileInfo)
	wopiRouter.Methods(http.MethodPost).Path("/files/{id}").HandlerFunc(api.WopiFileOperation)
	wopiRouter.Methods(http.MethodGet).Path("/files/{id}/contents").HandlerFunc(api.WopiGetFile)
	wopiRouter.Methods(http.MethodPost, http.MethodPut).Path("/files/{id}/contents").HandlerFunc(api.WopiPutFile)

	// User profile
	userRouter := router.PathPrefix(userAPIPathPrefix).Subrouter()
	userRouter.Methods(http.MethodPost).Path("/avatar").HandlerFunc(api.AvatarUpload)
}

// configureServerHandler builds the full HTTP handler stack: routes, access
// logging and the ambient CORS layer.
func configureServerHandler(api *apiHandlers) http.Handler {
	router := mux.NewRouter()
	registerAPIRouter(router, api)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(router)
	return handlers.LoggingHandler(os.Stdout, handler)
}
