/*
 * Copyright (c) 2024 Gilles Chehade <gilles@poolp.org>
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

package locking

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

var ErrLocked = errors.New("lock is held by another owner")

// Lock identifies the owner of an advisory lock. It is written into the
// lock file once the lock is acquired so operators can tell who holds it.
type Lock struct {
	Timestamp time.Time
	Hostname  string
	Username  string
	MachineID string
	ProcessID int
	Exclusive bool
	Operation string
}

func New(hostname string, username string, machineID string, processID int, exclusive bool) *Lock {
	return &Lock{
		Timestamp: time.Now(),
		Hostname:  hostname,
		Username:  username,
		MachineID: machineID,
		ProcessID: processID,
		Exclusive: exclusive,
	}
}

func NewFromBytes(serialized []byte) (*Lock, error) {
	var lock Lock
	if err := msgpack.Unmarshal(serialized, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

func (lock *Lock) Serialize() ([]byte, error) {
	return msgpack.Marshal(lock)
}

func (lock *Lock) Expired(ttl time.Duration) bool {
	return time.Since(lock.Timestamp) > ttl
}

// FileLock is a held flock(2) lock. Locks taken through distinct opens
// conflict even within one process.
type FileLock struct {
	fp   *os.File
	path string

	// published records are removed when released
	published bool
}

func open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
}

func (l *FileLock) record(owner *Lock) {
	if owner == nil {
		return
	}
	owner.Timestamp = time.Now()
	data, err := owner.Serialize()
	if err != nil {
		return
	}
	if err := l.fp.Truncate(0); err != nil {
		return
	}
	_, _ = l.fp.WriteAt(data, 0)
}

// TryLock takes an exclusive lock on path without waiting. ErrLocked is
// returned when another owner holds it.
func TryLock(path string, owner *Lock) (*FileLock, error) {
	fp, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(fp.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fp.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, err
	}
	l := &FileLock{fp: fp, path: path}
	l.record(owner)
	return l, nil
}

// Acquire waits until the lock on path is free, the context is done or
// timeout elapses, whichever comes first.
func Acquire(ctx context.Context, path string, owner *Lock, timeout time.Duration) (*FileLock, error) {
	deadline := time.Now().Add(timeout)
	delay := 10 * time.Millisecond
	for {
		l, err := TryLock(path, owner)
		if err == nil || !errors.Is(err, ErrLocked) {
			return l, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 200*time.Millisecond {
			delay *= 2
		}
	}
}

func (l *FileLock) Path() string {
	return l.path
}

func (l *FileLock) Unlock() error {
	if l == nil || l.fp == nil {
		return nil
	}
	if l.published {
		_ = os.Remove(l.path)
	}
	err := unix.Flock(int(l.fp.Fd()), unix.LOCK_UN)
	if cerr := l.fp.Close(); err == nil {
		err = cerr
	}
	l.fp = nil
	return err
}

// Owner reads the owner record of a lock file, whether or not the lock
// is currently held.
func Owner(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: no owner recorded", path)
	}
	return NewFromBytes(data)
}

// Publish creates the record name in dir, holding it locked until the
// returned lock is released. The record only appears under its name once
// it is locked and its owner written, so Holders never mistakes a record
// being created for a stale one.
func Publish(dir string, name string, owner *Lock) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")
	fp, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(fp.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fp.Close()
		os.Remove(tmp)
		return nil, err
	}
	l := &FileLock{fp: fp, path: tmp}
	l.record(owner)
	if err := os.Rename(tmp, path); err != nil {
		l.published = true
		l.Unlock()
		return nil, err
	}
	l.path = path
	l.published = true
	return l, nil
}

// Holders returns the owners of the records in dir that are still held.
// Records whose holder is gone are removed.
func Holders(dir string) ([]*Lock, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	ret := make([]*Lock, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".lck") {
			continue
		}
		owner, err := holder(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if owner != nil {
			ret = append(ret, owner)
		}
	}
	return ret, nil
}

func holder(path string) (*Lock, error) {
	fp, err := os.Open(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer fp.Close()

	err = unix.Flock(int(fp.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err == nil {
		// nobody holds it anymore
		os.Remove(path)
		unix.Flock(int(fp.Fd()), unix.LOCK_UN)
		return nil, nil
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		return nil, err
	}

	data, err := io.ReadAll(fp)
	if err != nil {
		return nil, err
	}
	owner, err := NewFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return owner, nil
}
