// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"k8s.io/klog/v2"
)

const contentType = "application/octet-stream"

// S3Config describes how to reach the bucket backing an S3Store.
type S3Config struct {
	// SDKConfig is an optional AWS config, e.g. to point at a non-AWS
	// S3-compatible endpoint. If nil, config.LoadDefaultConfig is used.
	SDKConfig *aws.Config
	// Options optionally customizes the S3 client, e.g. to set a custom
	// BaseEndpoint for a non-AWS S3-compatible service.
	Options func(*s3.Options)
	// Bucket is the target bucket name.
	Bucket string
}

// S3Store is the Object Store Adapter backed by an S3-compatible
// bucket.
type S3Store struct {
	bucket string
	client *s3.Client
}

// NewS3StoreFromConfig resolves cfg.SDKConfig (loading the default AWS SDK
// config chain if unset) and returns an S3Store bound to cfg.Bucket. This is
// the entry point cmd/echodb-server uses; NewS3Store remains for callers
// that already have a resolved aws.Config on hand (e.g. tests against a
// fake endpoint).
func NewS3StoreFromConfig(ctx context.Context, cfg S3Config) (*S3Store, error) {
	sdkCfg := cfg.SDKConfig
	if sdkCfg == nil {
		loaded, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: load default AWS config: %w", err)
		}
		sdkCfg = &loaded
	}
	return NewS3Store(*sdkCfg, cfg.Bucket, cfg.Options), nil
}

// NewS3Store creates an S3Store from an already-resolved aws.Config.
func NewS3Store(cfg aws.Config, bucket string, opts func(*s3.Options)) *S3Store {
	if opts == nil {
		opts = func(*s3.Options) {}
	}
	return &S3Store{
		bucket: bucket,
		client: s3.NewFromConfig(cfg, opts),
	}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return &Unavailable{Op: "PutObject", Key: key, Err: err}
	}
	return nil
}

// PutIfAbsent writes data gated by an If-None-Match: * precondition. Real
// conditional PUT is what makes leader acquisition race-free, a stronger
// guarantee than relying solely on last-writer-wins semantics.
func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		existing, gerr := s.Get(ctx, key)
		if gerr != nil {
			return &Unavailable{Op: "PutIfAbsent.Get", Key: key, Err: gerr}
		}
		if !bytes.Equal(existing, data) {
			return ErrPrecondition
		}
		klog.V(2).Infof("PutIfAbsent: identical object already present at %q, treating as success", key)
		return nil
	}
	return &Unavailable{Op: "PutIfAbsent", Key: key, Err: err}
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nske *types.NoSuchKey
		if errors.As(err, &nske) {
			return nil, nil
		}
		return nil, &Unavailable{Op: "GetObject", Key: key, Err: err}
	}
	defer out.Body.Close()
	d, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &Unavailable{Op: "GetObject.Read", Key: key, Err: err}
	}
	return d, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	ok, err := s.Head(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotExist
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return &Unavailable{Op: "DeleteObject", Key: key, Err: err}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, &Unavailable{Op: "ListObjectsV2", Key: prefix, Err: err}
		}
		for _, o := range page.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, &Unavailable{Op: "HeadObject", Key: key, Err: err}
	}
	return true, nil
}
