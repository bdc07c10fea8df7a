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

package logger

import (
	"context"
	"sync"
)

// KeyVal - appended to ReqInfo.Tags
type KeyVal struct {
	Key string
	Val string
}

// ReqInfo stores the request info.
type ReqInfo struct {
	RemoteHost string // Client Host/IP
	UserAgent  string // User Agent
	RequestID  string // x-request-id
	API        string // API name
	BucketName string // Bucket name
	FilePath   string // File path
	tags       []KeyVal

	sync.RWMutex
}

// NewReqInfo returns a new ReqInfo populated with the request basics.
func NewReqInfo(remoteHost, userAgent, requestID, api, bucket, filePath string) *ReqInfo {
	return &ReqInfo{
		RemoteHost: remoteHost,
		UserAgent:  userAgent,
		RequestID:  requestID,
		API:        api,
		BucketName: bucket,
		FilePath:   filePath,
	}
}

// AppendTags - appends key/val to ReqInfo.tags
func (r *ReqInfo) AppendTags(key string, val string) *ReqInfo {
	if r == nil {
		return nil
	}
	r.Lock()
	defer r.Unlock()
	r.tags = append(r.tags, KeyVal{key, val})
	return r
}

// GetTags - returns the tags.
func (r *ReqInfo) GetTags() []KeyVal {
	if r == nil {
		return nil
	}
	r.RLock()
	defer r.RUnlock()
	return append([]KeyVal(nil), r.tags...)
}

type contextKeyType string

const contextLogKey = contextKeyType("genbulog")

// SetReqInfo sets ReqInfo in the context.
func SetReqInfo(ctx context.Context, req *ReqInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextLogKey, req)
}

// GetReqInfo returns the ReqInfo of the context, or nil.
func GetReqInfo(ctx context.Context) *ReqInfo {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(contextLogKey).(*ReqInfo)
	return r
}
