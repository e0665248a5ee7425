package packed

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/c-pro/blobkit"
)

var errDataOutOfRange = errors.New("entry offset/length exceeds container body")

// AppendConfig tunes an Append store.
type AppendConfig struct {
	// Root is prepended to every container key and to MasterKey.
	Root string

	// MaxContainerSize bounds how many characters a single container may
	// accumulate before a new one is started.
	MaxContainerSize int

	// MasterKey names the reserved key the master index is persisted
	// under, relative to Root. Defaults to "ra-master.json".
	MasterKey string
}

func (c AppendConfig) masterName() string {
	if c.MasterKey != "" {
		return c.MasterKey
	}
	return "ra-master.json"
}

type appendEntry struct {
	Container string
	Offset    int
	Length    int
	Encrypted bool
}

// appendMasterEntry is the persisted shape from spec.md 6: a JSON array of
// these under the master key.
type appendMasterEntry struct {
	ParentPath string `json:"parentPath"`
	Path       string `json:"path"`
	Position   int    `json:"position"`
	Length     int    `json:"length"`
	Encrypted  bool   `json:"encrypted"`
}

// Append packs arbitrary string blobs by offset/length into shared
// container blobs bounded by AppendConfig.MaxContainerSize, per spec.md
// 4.6. Empty containers are retained for reuse rather than reclaimed - a
// deliberate difference from Json, documented at both call sites.
//
// A single mutex serializes every mutating call on one Append instance:
// the master is rewritten synchronously after every mutation (the save
// policy in spec.md 4.5), so there is no throughput to gain by letting two
// mutations race to update it concurrently, and holding the lock through
// the backend calls keeps the in-memory index and the persisted master
// from ever observably disagreeing.
type Append struct {
	store blobkit.BlobStore
	cfg   AppendConfig

	mux        sync.Mutex
	loaded     bool
	containers []*Container
	entries    map[blobkit.Key]appendEntry
}

// NewAppend wraps store with an Append packed layout.
func NewAppend(store blobkit.BlobStore, cfg AppendConfig) *Append {
	return &Append{store: store, cfg: cfg}
}

func (a *Append) masterKey() blobkit.Key {
	return resolveKey(a.cfg.Root, a.cfg.masterName())
}

// ensureLoaded triggers Append's lazy load on first use. Caller must NOT
// hold a.mux.
func (a *Append) ensureLoaded(ctx context.Context) error {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.loaded {
		return nil
	}
	return a.load(ctx)
}

// load parses the master and reconstructs the in-memory container list by
// grouping entries by parentPath and fetching each container's actual
// body length, which doubles as a consistency check (invariant A1).
// Caller must hold a.mux.
func (a *Append) load(ctx context.Context) error {
	data, found, err := loadMasterBlob(ctx, a.store, a.masterKey())
	if err != nil {
		return err
	}
	if !found {
		a.entries = make(map[blobkit.Key]appendEntry)
		a.containers = nil
		a.loaded = true
		return nil
	}

	var raw []appendMasterEntry
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return masterCorrupt(a.masterKey(), "entries array does not parse: "+err.Error())
	}

	entries := make(map[blobkit.Key]appendEntry, len(raw))
	byContainer := make(map[string][]appendEntry)
	encryptedOf := make(map[string]bool)
	for _, r := range raw {
		e := appendEntry{Container: r.ParentPath, Offset: r.Position, Length: r.Length, Encrypted: r.Encrypted}
		if enc, ok := encryptedOf[r.ParentPath]; ok && enc != r.Encrypted {
			return masterCorrupt(a.masterKey(), "container "+r.ParentPath+" has mixed encrypted entries")
		}
		encryptedOf[r.ParentPath] = r.Encrypted
		byContainer[r.ParentPath] = append(byContainer[r.ParentPath], e)
		entries[blobkit.Key(r.Path)] = e
	}

	containers := make([]*Container, 0, len(byContainer))
	for parent, ents := range byContainer {
		body, err := a.store.Get(ctx, blobkit.Key(parent), encryptedOf[parent])
		if err != nil {
			return masterCorrupt(a.masterKey(), "container "+parent+" unreadable: "+err.Error())
		}
		size := len(body.Data)

		sort.Slice(ents, func(i, j int) bool { return ents[i].Offset < ents[j].Offset })
		prevEnd := 0
		for _, e := range ents {
			if e.Offset < prevEnd || e.Offset+e.Length > size {
				return masterCorrupt(a.masterKey(), "container "+parent+" entries overlap or exceed body size")
			}
			prevEnd = e.Offset + e.Length
		}

		containers = append(containers, &Container{Key: parent, Measure: size, Encrypted: encryptedOf[parent]})
	}

	a.entries = entries
	a.containers = containers
	a.loaded = true
	return nil
}

// save persists the current entries as the master. Caller must hold a.mux.
func (a *Append) save(ctx context.Context) error {
	raw := make([]appendMasterEntry, 0, len(a.entries))
	for path, e := range a.entries {
		raw = append(raw, appendMasterEntry{
			ParentPath: e.Container,
			Path:       string(path),
			Position:   e.Offset,
			Length:     e.Length,
			Encrypted:  e.Encrypted,
		})
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Path < raw[j].Path })

	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return saveMasterBlob(ctx, a.store, a.masterKey(), string(data))
}

// Get implements blobkit.BlobStore.
func (a *Append) Get(ctx context.Context, key blobkit.Key, _ bool) (blobkit.Blob, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return blobkit.Blob{}, err
	}

	a.mux.Lock()
	e, ok := a.entries[key]
	a.mux.Unlock()
	if !ok {
		return blobkit.Blob{}, blobkit.ErrNotFound
	}

	body, err := a.store.Get(ctx, blobkit.Key(e.Container), e.Encrypted)
	if err != nil {
		return blobkit.Blob{}, &blobkit.StorageError{Key: key, Err: err}
	}
	if e.Offset < 0 || e.Offset+e.Length > len(body.Data) {
		logRepair(blobkit.Key(e.Container), errDataOutOfRange)
		return blobkit.Blob{}, blobkit.ErrNotFound
	}

	return blobkit.Blob{Data: body.Data[e.Offset : e.Offset+e.Length], Encrypted: e.Encrypted}, nil
}

// Put implements blobkit.BlobStore, per spec.md 4.6's allocation and
// update algorithms.
func (a *Append) Put(ctx context.Context, key blobkit.Key, blob blobkit.Blob) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}

	a.mux.Lock()
	defer a.mux.Unlock()

	existing, has := a.entries[key]
	if has {
		return a.updateExisting(ctx, key, existing, blob)
	}
	return a.insertNew(ctx, key, blob)
}

// insertNew allocates blob into the first container with a matching
// encrypted flag that has room, or a fresh one otherwise. Caller holds
// a.mux.
func (a *Append) insertNew(ctx context.Context, key blobkit.Key, blob blobkit.Blob) error {
	c := a.findRoom(blob.Encrypted, len(blob.Data))
	if c == nil {
		c = &Container{Key: newContainerKey(a.cfg.Root), Encrypted: blob.Encrypted}
		a.containers = append(a.containers, c)
	}

	body, err := a.readContainerBody(ctx, c)
	if err != nil {
		return err
	}
	offset := len(body)
	newBody := body + blob.Data

	if err := a.store.Put(ctx, blobkit.Key(c.Key), blobkit.Blob{Data: newBody, Encrypted: blob.Encrypted}); err != nil {
		return &blobkit.StorageError{Key: key, Err: err}
	}
	c.Measure = len(newBody)

	a.entries[key] = appendEntry{Container: c.Key, Offset: offset, Length: len(blob.Data), Encrypted: blob.Encrypted}
	return a.save(ctx)
}

// updateExisting implements spec.md 4.6's five-step update: excise the old
// block, shift later offsets down, then either re-append the new content
// in place or fall back to a fresh allocation. Caller holds a.mux.
func (a *Append) updateExisting(ctx context.Context, key blobkit.Key, old appendEntry, blob blobkit.Blob) error {
	body, err := a.store.Get(ctx, blobkit.Key(old.Container), old.Encrypted)
	if err != nil {
		return &blobkit.StorageError{Key: key, Err: err}
	}

	excised := body.Data[:old.Offset] + body.Data[old.Offset+old.Length:]
	a.shiftOffsets(old.Container, old.Offset, old.Length, key)

	container := a.containerByKey(old.Container)

	if len(excised)+len(blob.Data) <= a.cfg.MaxContainerSize {
		newBody := excised + blob.Data
		if err := a.store.Put(ctx, blobkit.Key(old.Container), blobkit.Blob{Data: newBody, Encrypted: blob.Encrypted}); err != nil {
			return &blobkit.StorageError{Key: key, Err: err}
		}
		if container != nil {
			container.Measure = len(newBody)
			container.Encrypted = blob.Encrypted
		}
		a.entries[key] = appendEntry{
			Container: old.Container,
			Offset:    len(excised),
			Length:    len(blob.Data),
			Encrypted: blob.Encrypted,
		}
		return a.save(ctx)
	}

	// Doesn't fit back in the same container: write the excised body back
	// (freeing the old entry's space) and allocate elsewhere.
	if err := a.store.Put(ctx, blobkit.Key(old.Container), blobkit.Blob{Data: excised, Encrypted: old.Encrypted}); err != nil {
		return &blobkit.StorageError{Key: key, Err: err}
	}
	if container != nil {
		container.Measure = len(excised)
	}
	delete(a.entries, key)
	return a.insertNew(ctx, key, blob)
}

// shiftOffsets decrements the recorded offset of every other entry in
// containerKey whose offset was past the excised block, and excludes
// skipKey (the entry being rewritten) from the scan. Caller holds a.mux.
func (a *Append) shiftOffsets(containerKey string, excisedAt, excisedLen int, skipKey blobkit.Key) {
	for k, e := range a.entries {
		if k == skipKey || e.Container != containerKey {
			continue
		}
		if e.Offset > excisedAt {
			e.Offset -= excisedLen
			a.entries[k] = e
		}
	}
}

// Delete implements blobkit.BlobStore. The container is kept even if it
// becomes empty, per spec.md 4.6's retain-for-reuse policy.
func (a *Append) Delete(ctx context.Context, key blobkit.Key) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}

	a.mux.Lock()
	defer a.mux.Unlock()

	e, ok := a.entries[key]
	if !ok {
		return nil
	}

	body, err := a.store.Get(ctx, blobkit.Key(e.Container), e.Encrypted)
	if err != nil {
		return &blobkit.StorageError{Key: key, Err: err}
	}
	excised := body.Data[:e.Offset] + body.Data[e.Offset+e.Length:]
	if err := a.store.Put(ctx, blobkit.Key(e.Container), blobkit.Blob{Data: excised, Encrypted: e.Encrypted}); err != nil {
		return &blobkit.StorageError{Key: key, Err: err}
	}

	a.shiftOffsets(e.Container, e.Offset, e.Length, key)
	if c := a.containerByKey(e.Container); c != nil {
		c.Measure = len(excised)
	}
	delete(a.entries, key)
	return a.save(ctx)
}

// List implements blobkit.BlobStore, enumerating logical keys.
func (a *Append) List(ctx context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	a.mux.Lock()
	keys := make([]blobkit.Key, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	a.mux.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	result := make([]blobkit.Key, 0, len(keys))
	for _, k := range keys {
		if opts.Prefix != "" && !hasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.EarlyStop != nil && !opts.EarlyStop(k) {
			break
		}
		result = append(result, k)
	}
	return result, nil
}

// URL implements blobkit.BlobStore. A direct URL for a packed logical key
// is meaningless, since it shares a container with other entries.
func (a *Append) URL(ctx context.Context, key blobkit.Key) (string, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return "", err
	}
	return "", &blobkit.StorageError{Key: key, Err: blobkit.ErrURLUnavailable}
}

func (a *Append) findRoom(encrypted bool, length int) *Container {
	for _, c := range a.containers {
		if c.Encrypted == encrypted && c.Measure+length <= a.cfg.MaxContainerSize {
			return c
		}
	}
	return nil
}

func (a *Append) containerByKey(key string) *Container {
	for _, c := range a.containers {
		if c.Key == key {
			return c
		}
	}
	return nil
}

// readContainerBody returns c's current body, or "" if it has never been
// written (a freshly allocated container).
func (a *Append) readContainerBody(ctx context.Context, c *Container) (string, error) {
	b, err := a.store.Get(ctx, blobkit.Key(c.Key), c.Encrypted)
	if err != nil {
		if err == blobkit.ErrNotFound {
			return "", nil
		}
		return "", &blobkit.StorageError{Key: blobkit.Key(c.Key), Err: err}
	}
	return b.Data, nil
}

