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
	"fmt"
	"net/http"
	"time"

	jwtgo "github.com/dgrijalva/jwt-go"
	"github.com/pborman/uuid"
)

const (
	// Session cookie set by the external auth subsystem.
	sessionCookieName = "session"

	// Session tokens issued for browser sessions last one day.
	defaultSessionExpiry = 24 * time.Hour
)

// newSessionToken mints a session JWT for the given user. Login itself lives
// in the external auth subsystem; this is shared by it and by tests.
func newSessionToken(userID uuid.UUID, expiry time.Duration) (string, error) {
	jwt := jwtgo.NewWithClaims(jwtgo.SigningMethodHS512, jwtgo.StandardClaims{
		ExpiresAt: UTCNow().Add(expiry).Unix(),
		Subject:   userID.String(),
	})
	return jwt.SignedString(jwtSecret())
}

func keyFuncCallback(jwtToken *jwtgo.Token) (interface{}, error) {
	if _, ok := jwtToken.Method.(*jwtgo.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", jwtToken.Header["alg"])
	}
	return jwtSecret(), nil
}

// extractSessionToken pulls the raw JWT from the session cookie or the
// Authorization header.
func extractSessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// webRequestAuthenticate resolves the calling user from the request session.
// Returns errNoAuthToken if no token was sent and errAuthentication for
// every other failure.
func webRequestAuthenticate(r *http.Request) (uuid.UUID, error) {
	tokenString := extractSessionToken(r)
	if tokenString == "" {
		return nil, errNoAuthToken
	}
	var claims jwtgo.StandardClaims
	jwtToken, err := jwtgo.ParseWithClaims(tokenString, &claims, keyFuncCallback)
	if err != nil {
		return nil, errAuthentication
	}
	if err = claims.Valid(); err != nil {
		return nil, errAuthentication
	}
	if !jwtToken.Valid {
		return nil, errAuthentication
	}
	userID := uuid.Parse(claims.Subject)
	if userID == nil {
		return nil, errAuthentication
	}
	return userID, nil
}
