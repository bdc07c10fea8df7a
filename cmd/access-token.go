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
	"net"

	"github.com/pborman/uuid"

	"github.com/FinnRG/genbu-beta/pkg/meta"
)

// tokenService issues and resolves single-file WOPI capabilities. A token
// grants operations only against its bound file and only for the user it was
// issued to; lifetime is unbounded in persistence, revocation is explicit.
type tokenService struct {
	store meta.TokenStore
}

// Create issues a token for (user, file) recording the caller address.
func (t *tokenService) Create(ctx context.Context, userID, fileID uuid.UUID, from net.IP) (uuid.UUID, error) {
	return t.store.CreateToken(ctx, userID, fileID, from)
}

// Resolve returns the binding of the token, or meta.ErrNotFound.
func (t *tokenService) Resolve(ctx context.Context, token uuid.UUID) (*meta.AccessToken, error) {
	return t.store.ResolveToken(ctx, token)
}

// Revoke withdraws the token.
func (t *tokenService) Revoke(ctx context.Context, token uuid.UUID) error {
	return t.store.RevokeToken(ctx, token)
}

// wopiFileURL builds the editor-facing URL of a file under a token.
func wopiFileURL(host string, fileID uuid.UUID, token uuid.UUID) string {
	return host + "/api/wopi/files/" + fileID.String() + "?access_token=" + token.String()
}
