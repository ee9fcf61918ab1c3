/*
 * Copyright (c) 2023 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const prefix = "chunks/"

// Backend stores chunks as objects named chunks/<bucket>/<digest>. The
// object LastModified is the access marker, refreshed by copying the
// object onto itself.
type Backend struct {
	location    string
	minioClient *minio.Client
	bucketName  string
}

func init() {
	chunkstore.Register("s3", NewBackend)
}

func NewBackend() chunkstore.Backend {
	return &Backend{}
}

func (b *Backend) Location() string {
	return b.location
}

func (b *Backend) connect(location string) error {
	parsed, err := url.Parse(location)
	if err != nil {
		return err
	}
	if parsed.Scheme != "s3" {
		return fmt.Errorf("unsupported s3 location: %s", location)
	}

	accessKeyID := parsed.User.Username()
	secretAccessKey, _ := parsed.User.Password()
	useSSL := parsed.Query().Get("tls") == "true"

	minioClient, err := minio.New(parsed.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return err
	}

	b.minioClient = minioClient
	b.bucketName = strings.Trim(parsed.Path, "/")
	if b.bucketName == "" {
		return fmt.Errorf("missing bucket name in %s", location)
	}
	b.location = location
	return nil
}

func (b *Backend) Create(location string) error {
	if err := b.connect(location); err != nil {
		return err
	}
	exists, err := b.minioClient.BucketExists(context.Background(), b.bucketName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.minioClient.MakeBucket(context.Background(), b.bucketName, minio.MakeBucketOptions{})
}

func (b *Backend) Open(location string) error {
	if err := b.connect(location); err != nil {
		return err
	}
	exists, err := b.minioClient.BucketExists(context.Background(), b.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", b.bucketName)
	}
	return nil
}

func (b *Backend) Close() error {
	return nil
}

func objectName(digest hashing.Digest) string {
	return prefix + digest.Bucket() + "/" + digest.String()
}

func (b *Backend) Put(digest hashing.Digest, data []byte) (bool, error) {
	if _, err := b.Stat(digest); err == nil {
		return false, b.Touch(digest)
	}

	_, err := b.minioClient.PutObject(context.Background(), b.bucketName, objectName(digest),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) Get(digest hashing.Digest) ([]byte, error) {
	object, err := b.minioClient.GetObject(context.Background(), b.bucketName, objectName(digest), minio.GetObjectOptions{})
	if err != nil {
		return nil, notFound(err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

func (b *Backend) Stat(digest hashing.Digest) (chunkstore.Info, error) {
	info, err := b.minioClient.StatObject(context.Background(), b.bucketName, objectName(digest), minio.StatObjectOptions{})
	if err != nil {
		return chunkstore.Info{}, notFound(err)
	}
	return chunkstore.Info{
		Digest:   digest,
		Name:     digest.String(),
		Size:     info.Size,
		Accessed: info.LastModified,
	}, nil
}

func (b *Backend) Touch(digest hashing.Digest) error {
	name := objectName(digest)
	_, err := b.minioClient.CopyObject(context.Background(),
		minio.CopyDestOptions{
			Bucket:          b.bucketName,
			Object:          name,
			ReplaceMetadata: true,
			UserMetadata:    map[string]string{"Accessed": time.Now().UTC().Format(time.RFC3339Nano)},
		},
		minio.CopySrcOptions{
			Bucket: b.bucketName,
			Object: name,
		})
	return notFound(err)
}

func (b *Backend) Delete(digest hashing.Digest) error {
	if _, err := b.Stat(digest); err != nil {
		return err
	}
	return b.minioClient.RemoveObject(context.Background(), b.bucketName, objectName(digest), minio.RemoveObjectOptions{})
}

func (b *Backend) Buckets() ([]string, error) {
	ret := make([]string, 0)
	for object := range b.minioClient.ListObjects(context.Background(), b.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, object.Err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(object.Key, prefix), "/")
		if hashing.IsBucket(name) {
			ret = append(ret, name)
		}
	}
	return ret, nil
}

func (b *Backend) Walk(ctx context.Context, bucket string, fn func(chunkstore.Info) error) error {
	if !hashing.IsBucket(bucket) {
		return fmt.Errorf("invalid bucket %q", bucket)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for object := range b.minioClient.ListObjects(ctx, b.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix + bucket + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return object.Err
		}
		name := path.Base(object.Key)
		digest, err := hashing.ParseDigest(name)
		if err != nil {
			continue
		}
		err = fn(chunkstore.Info{
			Digest:   digest,
			Name:     name,
			Size:     object.Size,
			Accessed: object.LastModified,
		})
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// RemoveTemp is a no-op: object uploads are atomic.
func (b *Backend) RemoveTemp(bucket string, name string) error {
	return nil
}

func notFound(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}
	return err
}
