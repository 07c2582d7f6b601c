// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs moves database backups to and from Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrNotGCSURL means the location does not start with gs://.
var ErrNotGCSURL = errors.New("not a gs:// URL")

type Client struct {
	storageClient *storage.Client
	BucketName    string
}

// ParseURL splits "gs://bucket/path/to/object" into bucket and object.
func ParseURL(location string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(location, "gs://")
	if !ok {
		return "", "", ErrNotGCSURL
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs URL %q needs a bucket and an object name", location)
	}
	return bucket, object, nil
}

// NewClient creates a client for bucketName. An empty saKeyPath uses
// Application Default Credentials.
func NewClient(ctx context.Context, bucketName, saKeyPath string) (*Client, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Client{
		storageClient: storageClient,
		BucketName:    bucketName,
	}, nil
}

// Upload streams r into the object.
func (c *Client) Upload(ctx context.Context, r io.Reader, object string) error {
	writer := c.storageClient.Bucket(c.BucketName).Object(object).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to upload to gs://%s/%s: %w", c.BucketName, object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

// Download copies the object into w.
func (c *Client) Download(ctx context.Context, object string, w io.Writer) error {
	reader, err := c.storageClient.Bucket(c.BucketName).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open gs://%s/%s: %w", c.BucketName, object, err)
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil {
		return fmt.Errorf("failed to download gs://%s/%s: %w", c.BucketName, object, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}
