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

package chunkstore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/hashing"
)

// TempInfix marks in-progress writes left in a bucket. Objects carrying
// it are never visible as chunks and are reclaimed by the sweep.
const TempInfix = ".tmp_"

// Info describes one object found in a bucket.
type Info struct {
	Digest   hashing.Digest
	Name     string
	Size     int64
	Accessed time.Time
	Temp     bool
}

// Backend is the raw object layer under a Store. Put never replaces an
// existing object: it reports false and refreshes the access marker
// instead. Missing objects are reported with errs.ErrNotFound.
type Backend interface {
	Create(location string) error
	Open(location string) error
	Location() string

	Put(digest hashing.Digest, data []byte) (bool, error)
	Get(digest hashing.Digest) ([]byte, error)
	Stat(digest hashing.Digest) (Info, error)
	Touch(digest hashing.Digest) error
	Delete(digest hashing.Digest) error

	Buckets() ([]string, error)
	Walk(ctx context.Context, bucket string, fn func(Info) error) error
	RemoveTemp(bucket string, name string) error

	Close() error
}

var muBackends sync.Mutex
var backends map[string]func() Backend = make(map[string]func() Backend)

func Register(name string, backend func() Backend) {
	muBackends.Lock()
	defer muBackends.Unlock()

	if _, ok := backends[name]; ok {
		log.Fatalf("backend '%s' registered twice", name)
	}
	backends[name] = backend
}

func Backends() []string {
	muBackends.Lock()
	defer muBackends.Unlock()

	ret := make([]string, 0)
	for backendName := range backends {
		ret = append(ret, backendName)
	}
	sort.Strings(ret)
	return ret
}

func NewBackend(name string) (Backend, error) {
	muBackends.Lock()
	defer muBackends.Unlock()

	backend, exists := backends[name]
	if !exists {
		return nil, fmt.Errorf("backend '%s' does not exist", name)
	}
	return backend(), nil
}

// BackendName picks the backend serving a location from its scheme.
func BackendName(location string) string {
	switch {
	case strings.HasPrefix(location, "sqlite://"):
		return "sqlite"
	case strings.HasPrefix(location, "s3://"):
		return "s3"
	default:
		return "fs"
	}
}
