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

package objstore

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Part numbers are constrained by the S3 multipart protocol.
const (
	minPartNumber = 1
	maxPartNumber = 10000
)

// S3Config carries the connection parameters for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// S3Backend implements Backend against any S3-compatible store. Path-style
// addressing is forced so that MinIO-style endpoints resolve.
type S3Backend struct {
	client *s3.S3
}

// NewS3Backend connects a Backend to the configured endpoint.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	awsCfg := aws.NewConfig().
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")).
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(true)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, BackendError{Err: err}
	}
	return &S3Backend{client: s3.New(sess)}, nil
}

// toBackendErr classifies SDK failures. Timeouts become ConnectionError,
// everything else BackendError.
func toBackendErr(err error) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case request.ErrCodeResponseTimeout, request.CanceledErrorCode, "RequestTimeout":
			return ConnectionError{Err: err}
		}
		if nerr, ok := aerr.OrigErr().(net.Error); ok && nerr.Timeout() {
			return ConnectionError{Err: err}
		}
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return ConnectionError{Err: err}
	}
	return BackendError{Err: err}
}

// EnsureBucket creates the bucket, treating already-exists-owned-by-you as
// success.
func (s *S3Backend) EnsureBucket(ctx context.Context, bucket Bucket) error {
	_, err := s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket.Name()),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeBucketAlreadyOwnedByYou, s3.ErrCodeBucketAlreadyExists:
				return nil
			}
		}
		return toBackendErr(err)
	}
	return nil
}

// DeleteBucket removes the bucket.
func (s *S3Backend) DeleteBucket(ctx context.Context, bucket Bucket) error {
	_, err := s.client.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucket.Name()),
	})
	return toBackendErr(err)
}

// PresignGet signs a download URL with an attachment disposition.
func (s *S3Backend) PresignGet(ctx context.Context, bucket Bucket, key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket:                     aws.String(bucket.Name()),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String("attachment"),
	})
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", PresignError{Err: err}
	}
	return url, nil
}

// PresignPut signs a single-shot upload URL.
func (s *S3Backend) PresignPut(ctx context.Context, bucket Bucket, key string, ttl time.Duration) (string, error) {
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(bucket.Name()),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", PresignError{Err: err}
	}
	return url, nil
}

// StartMultipart opens a multipart session and returns its upload id.
func (s *S3Backend) StartMultipart(ctx context.Context, bucket Bucket, key string) (string, error) {
	out, err := s.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket.Name()),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", toBackendErr(err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", BackendError{Err: awserr.New("NoUploadId", "no upload id returned from store", nil)}
	}
	return *out.UploadId, nil
}

// PresignPart signs the upload URL for one part of an open session.
func (s *S3Backend) PresignPart(ctx context.Context, bucket Bucket, key, uploadID string, partNumber int64, ttl time.Duration) (string, error) {
	if partNumber < minPartNumber || partNumber > maxPartNumber {
		return "", PresignError{Err: awserr.New("InvalidPartNumber", "part number out of range", nil)}
	}
	req, _ := s.client.UploadPartRequest(&s3.UploadPartInput{
		Bucket:     aws.String(bucket.Name()),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(partNumber),
	})
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", PresignError{Err: err}
	}
	return url, nil
}

// CompleteMultipart commits the session with the client-acknowledged parts,
// passed to the store in the order given; they are not sorted here.
func (s *S3Backend) CompleteMultipart(ctx context.Context, bucket Bucket, key, uploadID string, parts []CompletedPart) error {
	completed := make([]*s3.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = &s3.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int64(part.PartNumber),
		}
	}
	_, err := s.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket.Name()),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchUpload {
			return InvalidUploadID{UploadID: uploadID}
		}
		return toBackendErr(err)
	}
	return nil
}

// AbortMultipart discards an open session. Unknown sessions map to
// InvalidUploadID so callers can ignore already-gone uploads.
func (s *S3Backend) AbortMultipart(ctx context.Context, bucket Bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket.Name()),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchUpload {
			return InvalidUploadID{UploadID: uploadID}
		}
		return toBackendErr(err)
	}
	return nil
}

// Upload writes data directly to the object.
func (s *S3Backend) Upload(ctx context.Context, bucket Bucket, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket.Name()),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return toBackendErr(err)
}

// Download reads the full object.
func (s *S3Backend) Download(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket.Name()),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ObjectNotFound{Bucket: bucket.Name(), Key: key}
		}
		return nil, toBackendErr(err)
	}
	defer out.Body.Close()
	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return nil, ConnectionError{Err: err}
	}
	return data, nil
}

// List returns one delimited page of objects below prefix.
func (s *S3Backend) List(ctx context.Context, bucket Bucket, prefix, delimiter string) (ListResult, error) {
	out, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket.Name()),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(delimiter),
	})
	if err != nil {
		return ListResult{}, toBackendErr(err)
	}
	var result ListResult
	for _, obj := range out.Contents {
		result.Objects = append(result.Objects, ObjectInfo{
			Key:          aws.StringValue(obj.Key),
			Size:         aws.Int64Value(obj.Size),
			LastModified: aws.TimeValue(obj.LastModified),
		})
	}
	for _, cp := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, aws.StringValue(cp.Prefix))
	}
	return result, nil
}

// Delete removes a single object. Deleting a missing key is success, as on
// S3 itself.
func (s *S3Backend) Delete(ctx context.Context, bucket Bucket, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket.Name()),
		Key:    aws.String(key),
	})
	return toBackendErr(err)
}
