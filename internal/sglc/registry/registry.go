// Package registry persists known peer identities (bonded wearable
// devices) across process restarts. A Store abstracts the on-disk format;
// FileStore is the default JSON-file-backed implementation with atomic
// writes and optional fsnotify-driven hot reload when the file is edited
// externally.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Identity is one bonded peer's persisted identity.
type Identity struct {
	PeerID      string `json:"peerId"`
	Name        string `json:"name"`
	FirmwareVer string `json:"firmwareVer"`
}

// Store abstracts peer persistence so Registry can be tested without
// touching disk.
type Store interface {
	Load() (map[string]Identity, error)
	Save(map[string]Identity) error
}

// Registry holds known peer identities keyed by peer id, backed by a
// Store, with an in-memory cache guarded by an RWMutex so reads never
// block on disk I/O.
type Registry struct {
	mu     sync.RWMutex
	store  Store
	peers  map[string]Identity
	logger *slog.Logger
	watch  *fsnotify.Watcher
}

// New constructs a Registry backed by store, loading its initial contents.
func New(store Store, logger *slog.Logger) (*Registry, error) {
	peers, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("registry: initial load: %w", err)
	}
	if peers == nil {
		peers = make(map[string]Identity)
	}
	return &Registry{store: store, peers: peers, logger: logger}, nil
}

// Put stores (or replaces) a peer's identity and persists the registry.
func (r *Registry) Put(id Identity) error {
	r.mu.Lock()
	r.peers[id.PeerID] = id
	snapshot := r.cloneLocked()
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	return nil
}

// Get returns the identity for peerID, if known.
func (r *Registry) Get(peerID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.peers[peerID]
	return id, ok
}

// Forget removes peerID from the registry and persists the change.
func (r *Registry) Forget(peerID string) error {
	r.mu.Lock()
	delete(r.peers, peerID)
	snapshot := r.cloneLocked()
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		return fmt.Errorf("registry: save after forget: %w", err)
	}
	return nil
}

// All returns a snapshot of every known identity.
func (r *Registry) All() map[string]Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cloneLocked()
}

func (r *Registry) cloneLocked() map[string]Identity {
	out := make(map[string]Identity, len(r.peers))
	for k, v := range r.peers {
		out[k] = v
	}
	return out
}

// WatchFile enables fsnotify-based hot reload: if the registry's backing
// store is a *FileStore, external edits to its file are reloaded into the
// in-memory cache automatically. Returns an error if store isn't
// file-backed or the watcher cannot be established. Call Close (via the
// returned stop func) to release the watcher.
func (r *Registry) WatchFile() (stop func() error, err error) {
	fs, ok := r.store.(*FileStore)
	if !ok {
		return nil, fmt.Errorf("registry: WatchFile requires a FileStore-backed registry")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: fsnotify: %w", err)
	}
	dir := filepath.Dir(fs.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registry: watch dir: %w", err)
	}
	r.watch = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(fs.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				peers, err := fs.Load()
				if err != nil {
					r.logger.Warn("registry: hot reload failed", "error", err)
					continue
				}
				r.mu.Lock()
				r.peers = peers
				r.mu.Unlock()
				r.logger.Info("registry: reloaded from disk", "peers", len(peers))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry: watcher error", "error", err)
			}
		}
	}()

	return func() error {
		return watcher.Close()
	}, nil
}

// FileStore is the default Store: a single JSON file written atomically
// via a temp file + rename.
type FileStore struct {
	path string
}

// NewFileStore constructs a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the backing file. A missing file is not an error; it yields
// an empty map so a fresh install starts clean.
func (f *FileStore) Load() (map[string]Identity, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Identity), nil
		}
		return nil, fmt.Errorf("filestore: read: %w", err)
	}
	var peers map[string]Identity
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, fmt.Errorf("filestore: decode: %w", err)
	}
	if peers == nil {
		peers = make(map[string]Identity)
	}
	return peers, nil
}

// Save writes peers to the backing file atomically: a temp file in the
// same directory is written and fsync'd, then renamed over the target so
// readers never observe a partial write.
func (f *FileStore) Save(peers map[string]Identity) error {
	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}
