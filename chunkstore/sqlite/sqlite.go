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

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PlakarLabs/backupstore/chunkstore"
	"github.com/PlakarLabs/backupstore/errs"
	"github.com/PlakarLabs/backupstore/hashing"

	_ "github.com/mattn/go-sqlite3"
)

// Backend keeps chunks as rows of a single sqlite table. The atime
// column plays the role of the file modification time in the fs backend.
type Backend struct {
	location string
	conn     *sql.DB
	wrMutex  sync.Mutex
}

func init() {
	chunkstore.Register("sqlite", NewBackend)
}

func NewBackend() chunkstore.Backend {
	return &Backend{}
}

func (b *Backend) Location() string {
	return b.location
}

func (b *Backend) connect(location string) error {
	if !strings.HasPrefix(location, "sqlite://") {
		return fmt.Errorf("unsupported database location: %s", location)
	}

	conn, err := sql.Open("sqlite3", location[9:])
	if err != nil {
		return err
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=2000;"); err != nil {
		conn.Close()
		return err
	}

	b.conn = conn
	b.location = location
	return nil
}

func (b *Backend) Create(location string) error {
	if err := b.connect(location); err != nil {
		return err
	}

	_, err := b.conn.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		digest	VARCHAR(64) NOT NULL PRIMARY KEY,
		bucket	VARCHAR(4) NOT NULL,
		atime	INTEGER NOT NULL,
		data	BLOB
	);`)
	if err != nil {
		return err
	}

	_, err = b.conn.Exec(`CREATE INDEX IF NOT EXISTS chunks_bucket ON chunks(bucket);`)
	return err
}

func (b *Backend) Open(location string) error {
	if err := b.connect(location); err != nil {
		return err
	}

	var name string
	err := b.conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='chunks'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: not a chunk database", location)
	}
	return err
}

func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *Backend) Put(digest hashing.Digest, data []byte) (bool, error) {
	b.wrMutex.Lock()
	defer b.wrMutex.Unlock()

	res, err := b.conn.Exec(`INSERT OR IGNORE INTO chunks (digest, bucket, atime, data) VALUES(?, ?, ?, ?)`,
		digest.String(), digest.Bucket(), time.Now().UnixNano(), data)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, b.touch(digest)
	}
	return true, nil
}

func (b *Backend) Get(digest hashing.Digest) ([]byte, error) {
	var data []byte
	err := b.conn.QueryRow(`SELECT data FROM chunks WHERE digest=?`, digest.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", errs.ErrNotFound, digest)
	}
	return data, err
}

func (b *Backend) Stat(digest hashing.Digest) (chunkstore.Info, error) {
	var size, atime int64
	err := b.conn.QueryRow(`SELECT length(data), atime FROM chunks WHERE digest=?`, digest.String()).Scan(&size, &atime)
	if errors.Is(err, sql.ErrNoRows) {
		return chunkstore.Info{}, fmt.Errorf("%w: chunk %s", errs.ErrNotFound, digest)
	}
	if err != nil {
		return chunkstore.Info{}, err
	}
	return chunkstore.Info{
		Digest:   digest,
		Name:     digest.String(),
		Size:     size,
		Accessed: time.Unix(0, atime),
	}, nil
}

func (b *Backend) Touch(digest hashing.Digest) error {
	b.wrMutex.Lock()
	defer b.wrMutex.Unlock()
	return b.touch(digest)
}

func (b *Backend) touch(digest hashing.Digest) error {
	res, err := b.conn.Exec(`UPDATE chunks SET atime=? WHERE digest=?`, time.Now().UnixNano(), digest.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: chunk %s", errs.ErrNotFound, digest)
	}
	return nil
}

func (b *Backend) Delete(digest hashing.Digest) error {
	b.wrMutex.Lock()
	defer b.wrMutex.Unlock()

	res, err := b.conn.Exec(`DELETE FROM chunks WHERE digest=?`, digest.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: chunk %s", errs.ErrNotFound, digest)
	}
	return nil
}

func (b *Backend) Buckets() ([]string, error) {
	rows, err := b.conn.Query(`SELECT DISTINCT bucket FROM chunks ORDER BY bucket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]string, 0)
	for rows.Next() {
		var bucket string
		if err := rows.Scan(&bucket); err != nil {
			return nil, err
		}
		ret = append(ret, bucket)
	}
	return ret, rows.Err()
}

func (b *Backend) Walk(ctx context.Context, bucket string, fn func(chunkstore.Info) error) error {
	rows, err := b.conn.QueryContext(ctx, `SELECT digest, length(data), atime FROM chunks WHERE bucket=?`, bucket)
	if err != nil {
		return err
	}

	// rows are drained before invoking fn so that fn may delete.
	items := make([]chunkstore.Info, 0)
	for rows.Next() {
		var hexDigest string
		var size, atime int64
		if err := rows.Scan(&hexDigest, &size, &atime); err != nil {
			rows.Close()
			return err
		}
		digest, err := hashing.ParseDigest(hexDigest)
		if err != nil {
			continue
		}
		items = append(items, chunkstore.Info{
			Digest:   digest,
			Name:     hexDigest,
			Size:     size,
			Accessed: time.Unix(0, atime),
		})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTemp is a no-op: rows are inserted atomically and leave no
// partial writes behind.
func (b *Backend) RemoveTemp(bucket string, name string) error {
	return nil
}

// SetAccessed overrides the access marker of a chunk.
func (b *Backend) SetAccessed(digest hashing.Digest, t time.Time) error {
	b.wrMutex.Lock()
	defer b.wrMutex.Unlock()
	_, err := b.conn.Exec(`UPDATE chunks SET atime=? WHERE digest=?`, t.UnixNano(), digest.String())
	return err
}
