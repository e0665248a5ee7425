package packed

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/c-pro/blobkit"
)

// JsonConfig tunes a Json store.
type JsonConfig struct {
	// Root is prepended to every container key and to MasterKey.
	Root string

	// MaxEntriesPerContainer bounds how many logical blobs a single
	// container JSON object may hold before a new one is started.
	MaxEntriesPerContainer int

	// MasterKey names the reserved key the master index is persisted
	// under, relative to Root. Defaults to "jp-master.json".
	MasterKey string
}

func (c JsonConfig) masterName() string {
	if c.MasterKey != "" {
		return c.MasterKey
	}
	return "jp-master.json"
}

type jsonEntry struct {
	Container string
	Encrypted bool
}

// jsonMasterEntry is the persisted shape from spec.md 6.
type jsonMasterEntry struct {
	ParentPath string `json:"parentPath"`
	Path       string `json:"path"`
	Encrypted  bool   `json:"encrypted"`
}

// Json packs blobs as string values of a JSON object per container,
// bounded by JsonConfig.MaxEntriesPerContainer, per spec.md 4.7. Unlike
// Append, a container that loses its last entry is deleted outright
// rather than retained empty - an empty JSON object blob has no value
// keeping it alive.
//
// As with Append, j.mux is held for the full duration of each mutating
// call; see append.go's doc comment for the reasoning.
type Json struct {
	store blobkit.BlobStore
	cfg   JsonConfig

	mux        sync.Mutex
	loaded     bool
	containers []*Container
	entries    map[blobkit.Key]jsonEntry
}

// NewJson wraps store with a Json packed layout.
func NewJson(store blobkit.BlobStore, cfg JsonConfig) *Json {
	return &Json{store: store, cfg: cfg}
}

func (j *Json) masterKey() blobkit.Key {
	return resolveKey(j.cfg.Root, j.cfg.masterName())
}

func (j *Json) ensureLoaded(ctx context.Context) error {
	j.mux.Lock()
	defer j.mux.Unlock()
	if j.loaded {
		return nil
	}
	return j.load(ctx)
}

// load parses the master and reconstructs the container list, counting
// entries per container from the master itself rather than re-parsing
// every container body - a container whose body fails to parse is
// logged and treated as empty (spec.md 7) rather than failing load.
// Caller must hold j.mux.
func (j *Json) load(ctx context.Context) error {
	data, found, err := loadMasterBlob(ctx, j.store, j.masterKey())
	if err != nil {
		return err
	}
	if !found {
		j.entries = make(map[blobkit.Key]jsonEntry)
		j.containers = nil
		j.loaded = true
		return nil
	}

	var raw []jsonMasterEntry
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return masterCorrupt(j.masterKey(), "entries array does not parse: "+err.Error())
	}

	entries := make(map[blobkit.Key]jsonEntry, len(raw))
	counts := make(map[string]int)
	encryptedOf := make(map[string]bool)
	for _, r := range raw {
		if enc, ok := encryptedOf[r.ParentPath]; ok && enc != r.Encrypted {
			return masterCorrupt(j.masterKey(), "container "+r.ParentPath+" has mixed encrypted entries")
		}
		encryptedOf[r.ParentPath] = r.Encrypted
		counts[r.ParentPath]++
		entries[blobkit.Key(r.Path)] = jsonEntry{Container: r.ParentPath, Encrypted: r.Encrypted}
	}

	containers := make([]*Container, 0, len(counts))
	for parent, n := range counts {
		containers = append(containers, &Container{Key: parent, Measure: n, Encrypted: encryptedOf[parent]})
	}

	j.entries = entries
	j.containers = containers
	j.loaded = true
	return nil
}

func (j *Json) save(ctx context.Context) error {
	raw := make([]jsonMasterEntry, 0, len(j.entries))
	for path, e := range j.entries {
		raw = append(raw, jsonMasterEntry{ParentPath: e.Container, Path: string(path), Encrypted: e.Encrypted})
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Path < raw[j].Path })

	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return saveMasterBlob(ctx, j.store, j.masterKey(), string(data))
}

// loadContainerObject fetches and parses a container's body as a JSON
// object of path -> value. A parse failure is logged and treated as an
// empty object, per spec.md 7 - forward progress over one bad container
// failing every key that shares it.
func (j *Json) loadContainerObject(ctx context.Context, c *Container) (map[string]string, error) {
	b, err := j.store.Get(ctx, blobkit.Key(c.Key), c.Encrypted)
	if err != nil {
		if err == blobkit.ErrNotFound {
			return make(map[string]string), nil
		}
		return nil, &blobkit.StorageError{Key: blobkit.Key(c.Key), Err: err}
	}

	obj := make(map[string]string)
	if err := json.Unmarshal([]byte(b.Data), &obj); err != nil {
		logRepair(blobkit.Key(c.Key), err)
		return make(map[string]string), nil
	}
	return obj, nil
}

func (j *Json) saveContainerObject(ctx context.Context, c *Container, obj map[string]string) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if err := j.store.Put(ctx, blobkit.Key(c.Key), blobkit.Blob{Data: string(data), Encrypted: c.Encrypted}); err != nil {
		return &blobkit.StorageError{Key: blobkit.Key(c.Key), Err: err}
	}
	c.Measure = len(obj)
	return nil
}

// Get implements blobkit.BlobStore.
func (j *Json) Get(ctx context.Context, key blobkit.Key, _ bool) (blobkit.Blob, error) {
	if err := j.ensureLoaded(ctx); err != nil {
		return blobkit.Blob{}, err
	}

	j.mux.Lock()
	e, ok := j.entries[key]
	var c *Container
	if ok {
		c = j.containerByKey(e.Container)
	}
	j.mux.Unlock()
	if !ok || c == nil {
		return blobkit.Blob{}, blobkit.ErrNotFound
	}

	obj, err := j.loadContainerObject(ctx, c)
	if err != nil {
		return blobkit.Blob{}, err
	}
	val, ok := obj[string(key)]
	if !ok {
		return blobkit.Blob{}, blobkit.ErrNotFound
	}
	return blobkit.Blob{Data: val, Encrypted: e.Encrypted}, nil
}

// Put implements blobkit.BlobStore.
func (j *Json) Put(ctx context.Context, key blobkit.Key, blob blobkit.Blob) error {
	if err := j.ensureLoaded(ctx); err != nil {
		return err
	}

	j.mux.Lock()
	defer j.mux.Unlock()

	if existing, ok := j.entries[key]; ok {
		if c := j.containerByKey(existing.Container); c != nil {
			obj, err := j.loadContainerObject(ctx, c)
			if err != nil {
				return err
			}
			obj[string(key)] = blob.Data
			if err := j.saveContainerObject(ctx, c, obj); err != nil {
				return err
			}
			j.entries[key] = jsonEntry{Container: c.Key, Encrypted: blob.Encrypted}
			return j.save(ctx)
		}
	}

	c := j.findRoom(blob.Encrypted)
	if c == nil {
		c = &Container{Key: newContainerKey(j.cfg.Root), Encrypted: blob.Encrypted}
		j.containers = append(j.containers, c)
	}

	obj, err := j.loadContainerObject(ctx, c)
	if err != nil {
		return err
	}
	obj[string(key)] = blob.Data
	if err := j.saveContainerObject(ctx, c, obj); err != nil {
		return err
	}
	j.entries[key] = jsonEntry{Container: c.Key, Encrypted: blob.Encrypted}
	return j.save(ctx)
}

// Delete implements blobkit.BlobStore. A container left with no entries
// is deleted from the backend and dropped from the in-memory list.
func (j *Json) Delete(ctx context.Context, key blobkit.Key) error {
	if err := j.ensureLoaded(ctx); err != nil {
		return err
	}

	j.mux.Lock()
	defer j.mux.Unlock()

	e, ok := j.entries[key]
	if !ok {
		return nil
	}
	c := j.containerByKey(e.Container)
	if c == nil {
		delete(j.entries, key)
		return j.save(ctx)
	}

	obj, err := j.loadContainerObject(ctx, c)
	if err != nil {
		return err
	}
	delete(obj, string(key))

	if len(obj) == 0 {
		if err := j.store.Delete(ctx, blobkit.Key(c.Key)); err != nil {
			return &blobkit.StorageError{Key: key, Err: err}
		}
		j.removeContainer(c.Key)
	} else if err := j.saveContainerObject(ctx, c, obj); err != nil {
		return err
	}

	delete(j.entries, key)
	return j.save(ctx)
}

// List implements blobkit.BlobStore, enumerating logical keys.
func (j *Json) List(ctx context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	if err := j.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	j.mux.Lock()
	keys := make([]blobkit.Key, 0, len(j.entries))
	for k := range j.entries {
		keys = append(keys, k)
	}
	j.mux.Unlock()

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

// URL implements blobkit.BlobStore. ContainerURL exposes the physical
// container URL for callers that need it; a direct per-key URL is
// meaningless since many keys share one container.
func (j *Json) URL(ctx context.Context, key blobkit.Key) (string, error) {
	if err := j.ensureLoaded(ctx); err != nil {
		return "", err
	}
	return "", &blobkit.StorageError{Key: key, Err: blobkit.ErrURLUnavailable}
}

// ContainerURL returns the physical backend URL of the container holding
// key, when the backend can produce one.
func (j *Json) ContainerURL(ctx context.Context, key blobkit.Key) (string, error) {
	if err := j.ensureLoaded(ctx); err != nil {
		return "", err
	}

	j.mux.Lock()
	e, ok := j.entries[key]
	j.mux.Unlock()
	if !ok {
		return "", blobkit.ErrNotFound
	}
	return j.store.URL(ctx, blobkit.Key(e.Container))
}

func (j *Json) findRoom(encrypted bool) *Container {
	for _, c := range j.containers {
		if c.Encrypted == encrypted && (j.cfg.MaxEntriesPerContainer <= 0 || c.Measure < j.cfg.MaxEntriesPerContainer) {
			return c
		}
	}
	return nil
}

func (j *Json) containerByKey(key string) *Container {
	for _, c := range j.containers {
		if c.Key == key {
			return c
		}
	}
	return nil
}

func (j *Json) removeContainer(key string) {
	for i, c := range j.containers {
		if c.Key == key {
			j.containers = append(j.containers[:i], j.containers[i+1:]...)
			return
		}
	}
}

func hasPrefix(key blobkit.Key, prefix string) bool {
	return len(key) >= len(prefix) && string(key)[:len(prefix)] == prefix
}
