// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3Vault.
type S3Config struct {
	Bucket string `yaml:"bucket" json:"bucket" toml:"bucket"`

	// Prefix is prepended to every key, with a separating slash.
	Prefix string `yaml:"prefix" json:"prefix" toml:"prefix"`

	Region string `yaml:"region" json:"region" toml:"region"`

	// Endpoint overrides the service endpoint for S3-compatible
	// stores such as MinIO. Path-style addressing is used when set.
	Endpoint string `yaml:"endpoint" json:"endpoint" toml:"endpoint"`

	// AccessKeyID and SecretAccessKey select static credentials.
	// When empty the default AWS credential chain applies.
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key" toml:"secret_access_key"`
}

// S3Vault stores bundles as objects in one bucket.
type S3Vault struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Vault loads AWS configuration and returns a vault. No request
// is made until first use.
func NewS3Vault(ctx context.Context, cfg S3Config) (*S3Vault, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archivevault: s3 bucket is required")
	}

	var options []func(*config.LoadOptions) error
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Vault{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (v *S3Vault) objectKey(key string) string {
	if v.prefix == "" {
		return key
	}
	return v.prefix + "/" + key
}

// Put uploads through the multipart manager, so size is advisory.
func (v *S3Vault) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	counter := &countingReader{reader: r}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
		Body:   counter,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if counter.count != size {
		return fmt.Errorf("size mismatch for %s: expected %d bytes, uploaded %d", key, size, counter.count)
	}
	return nil
}

func (v *S3Vault) Get(ctx context.Context, key string, w io.Writer) error {
	output, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(key)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("fetching %s: %w", key, err)
	}
	defer output.Body.Close()
	if _, err := io.Copy(w, output.Body); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

func (v *S3Vault) List(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(v.objectKey(prefix)),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing bucket %s: %w", v.bucket, err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if v.prefix != "" {
				key = strings.TrimPrefix(key, v.prefix+"/")
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.count += int64(n)
	return n, err
}
