// Package packed implements the two packed-storage layouts from spec.md
// 4.5-4.7: Append, which packs arbitrary string blobs by offset/length
// into shared container blobs, and Json, which packs blobs as values of a
// JSON object per container. Both multiplex many small logical blobs into
// a bounded number of physical container blobs through a persisted master
// index.
package packed

import (
	"context"
	"errors"
	"fmt"

	"github.com/c-pro/blobkit"
	"github.com/c-pro/blobkit/internal/idgen"
	"github.com/c-pro/blobkit/internal/logging"
)

// Container is one physical backing blob a PackedStore multiplexes
// logical entries into. Measure is a byte length for Append containers
// and an entry count for Json containers.
type Container struct {
	Key       string
	Measure   int
	Encrypted bool
}

// resolveKey prepends root to name, the way every persisted or generated
// key in this package is namespaced, per spec.md 4.5's root option.
func resolveKey(root, name string) blobkit.Key {
	if root == "" {
		return blobkit.Key(name)
	}
	return blobkit.Key(root + "/" + name)
}

// newContainerKey generates a fresh, universally-unique container key
// under root.
func newContainerKey(root string) string {
	return string(resolveKey(root, idgen.New()))
}

// loadMasterBlob fetches the master's raw bytes. found is false when the
// master has never been written - a PackedStore starts empty in that case,
// not an error.
func loadMasterBlob(ctx context.Context, store blobkit.BlobStore, key blobkit.Key) (data string, found bool, err error) {
	b, err := store.Get(ctx, key, true)
	if err != nil {
		if errors.Is(err, blobkit.ErrNotFound) {
			return "", false, nil
		}
		return "", false, &blobkit.StorageError{Key: key, Err: err}
	}
	return b.Data, true, nil
}

// saveMasterBlob persists data under key. The master is always stored
// encrypted, per spec.md 6, regardless of any individual entry's flag.
func saveMasterBlob(ctx context.Context, store blobkit.BlobStore, key blobkit.Key, data string) error {
	if err := store.Put(ctx, key, blobkit.Blob{Data: data, Encrypted: true}); err != nil {
		return &blobkit.StorageError{Key: key, Err: err}
	}
	return nil
}

// masterCorrupt wraps ErrMasterCorrupt with context about what failed to
// parse or validate.
func masterCorrupt(key blobkit.Key, reason string) error {
	return &blobkit.StorageError{Key: key, Err: fmt.Errorf("%w: %s", blobkit.ErrMasterCorrupt, reason)}
}

// logRepair records that a container's body could not be parsed and is
// being treated as empty, per spec.md 7's "logged repair rather than
// failure" policy. Forward progress is preserved: one corrupt container
// does not fail every key that happens to share it.
func logRepair(container blobkit.Key, err error) {
	logging.L().Warn().
		Str("container", string(container)).
		Err(err).
		Msg("packed: container body unreadable, treating as empty")
}
