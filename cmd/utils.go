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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pborman/uuid"
)

// Object keys in user buckets use the backslash as path separator; virtual
// folders are backslash-delimited key prefixes.
const pathSeparator = "\\"

// UTCNow - returns current UTC time.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// mustGetUUID - get a random UUID.
func mustGetUUID() uuid.UUID {
	u := uuid.NewRandom()
	if u == nil {
		panic("random UUID generation failed")
	}
	return u
}

// userPath prefixes a virtual path with the owner's key namespace.
func userPath(userID uuid.UUID, path string) string {
	return userID.String() + pathSeparator + path
}

// parentPath drops the final path segment.
func parentPath(path string) string {
	segments := strings.Split(path, pathSeparator)
	if len(segments) <= 1 {
		return ""
	}
	return strings.Join(segments[:len(segments)-1], pathSeparator)
}

// baseName returns the final path segment, extension included.
func baseName(path string) string {
	segments := strings.Split(path, pathSeparator)
	return segments[len(segments)-1]
}

// joinPath joins two segments, avoiding a doubled separator for an empty
// parent.
func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + pathSeparator + name
}

// remoteIP extracts the client address for access token records.
func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// requestID tags a request for log correlation.
func requestID() string {
	return mustGetUUID().String()
}
