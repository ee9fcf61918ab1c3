/*
 * Copyright (c) 2021 Gilles Chehade <gilles@poolp.org>
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

package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"
)

// Backend stores each chunk as its own file under
// <root>/<first four hex digits>/<digest>. The file modification time is
// the access marker consulted by garbage collection.
type Backend struct {
	root string
}

func init() {
	chunkstore.Register("fs", NewBackend)
}

func NewBackend() chunkstore.Backend {
	return &Backend{}
}

func (b *Backend) Location() string {
	return b.root
}

func (b *Backend) Create(location string) error {
	if err := os.MkdirAll(location, 0700); err != nil {
		return err
	}
	b.root = location
	return nil
}

func (b *Backend) Open(location string) error {
	info, err := os.Stat(location)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", location)
	}
	b.root = location
	return nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) Put(digest hashing.Digest, data []byte) (bool, error) {
	bucket := b.bucketPath(digest.Bucket())
	if err := os.MkdirAll(bucket, 0700); err != nil {
		return false, err
	}
	final := b.chunkPath(digest)

	fp, err := os.CreateTemp(bucket, digest.String()+chunkstore.TempInfix+"*")
	if err != nil {
		return false, err
	}
	tmp := fp.Name()
	defer os.Remove(tmp)

	if _, err := fp.Write(data); err != nil {
		fp.Close()
		return false, err
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		return false, err
	}
	if err := fp.Close(); err != nil {
		return false, err
	}

	// link fails when the chunk already exists, so a stored chunk is
	// never replaced even by concurrent writers of the same digest.
	err = os.Link(tmp, final)
	if errors.Is(err, iofs.ErrExist) {
		return false, b.Touch(digest)
	}
	if err != nil {
		if _, serr := os.Stat(final); serr == nil {
			return false, b.Touch(digest)
		}
		if err := os.Rename(tmp, final); err != nil {
			return false, err
		}
	}
	syncDir(bucket)
	return true, nil
}

func (b *Backend) Get(digest hashing.Digest) ([]byte, error) {
	data, err := os.ReadFile(b.chunkPath(digest))
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

func (b *Backend) Stat(digest hashing.Digest) (chunkstore.Info, error) {
	info, err := os.Stat(b.chunkPath(digest))
	if err != nil {
		return chunkstore.Info{}, notFound(err)
	}
	return chunkstore.Info{
		Digest:   digest,
		Name:     digest.String(),
		Size:     info.Size(),
		Accessed: info.ModTime(),
	}, nil
}

func (b *Backend) Touch(digest hashing.Digest) error {
	now := time.Now()
	return notFound(os.Chtimes(b.chunkPath(digest), now, now))
}

func (b *Backend) Delete(digest hashing.Digest) error {
	return notFound(os.Remove(b.chunkPath(digest)))
}

func (b *Backend) Buckets() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && hashing.IsBucket(entry.Name()) {
			ret = append(ret, entry.Name())
		}
	}
	return ret, nil
}

func (b *Backend) Walk(ctx context.Context, bucket string, fn func(chunkstore.Info) error) error {
	if !hashing.IsBucket(bucket) {
		return fmt.Errorf("invalid bucket %q", bucket)
	}
	entries, err := os.ReadDir(b.bucketPath(bucket))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil
		}
		return err
	}

	for i, entry := range entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				continue
			}
			return err
		}

		item := chunkstore.Info{
			Name:     name,
			Size:     info.Size(),
			Accessed: info.ModTime(),
		}
		if strings.Contains(name, chunkstore.TempInfix) {
			item.Temp = true
		} else {
			digest, err := hashing.ParseDigest(name)
			if err != nil || digest.Bucket() != bucket {
				continue
			}
			item.Digest = digest
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) RemoveTemp(bucket string, name string) error {
	if !hashing.IsBucket(bucket) || !strings.Contains(name, chunkstore.TempInfix) || strings.ContainsRune(name, os.PathSeparator) {
		return fmt.Errorf("refusing to remove %q in bucket %q", name, bucket)
	}
	return notFound(os.Remove(filepath.Join(b.bucketPath(bucket), name)))
}

func notFound(err error) error {
	if err != nil && errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}
	return err
}

func syncDir(path string) {
	dir, err := os.Open(path)
	if err != nil {
		return
	}
	_ = dir.Sync()
	_ = dir.Close()
}
