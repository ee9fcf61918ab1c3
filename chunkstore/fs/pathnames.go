package fs

import (
	"path/filepath"

	"github.com/PlakarLabs/backupstore/hashing"
)

func (b *Backend) bucketPath(bucket string) string {
	return filepath.Join(b.root, bucket)
}

func (b *Backend) chunkPath(digest hashing.Digest) string {
	return filepath.Join(b.root, digest.Bucket(), digest.String())
}
