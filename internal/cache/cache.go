// Package cache implements a content-addressed, file-per-key disk cache
// used to make model calls idempotent across reruns.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalnine/tribunal/internal/log"
)

// Disk stores one JSON file per key under a root directory. A disabled
// cache never touches the filesystem: Get reports absent and Set/Delete
// are no-ops.
type Disk struct {
	root    string
	enabled bool
}

// New opens (and creates, when enabled) a disk cache rooted at root.
func New(root string, enabled bool) (*Disk, error) {
	if enabled {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir %s: %w", root, err)
		}
	}
	return &Disk{root: root, enabled: enabled}, nil
}

// Key returns the SHA-256 hex digest of the canonical JSON encoding of
// payload. encoding/json sorts map keys, so map-shaped payloads encode
// deterministically.
func Key(payload any) (string, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding cache key payload: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Disk) pathForKey(key string) string {
	return filepath.Join(c.root, key+".json")
}

// Get returns the stored value for key, or ok=false when absent. A
// stored entry that is not valid JSON is deleted and reported absent so
// a later Set can heal it.
func (c *Disk) Get(key string) (json.RawMessage, bool) {
	if !c.enabled {
		return nil, false
	}
	path := c.pathForKey(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !json.Valid(data) {
		log.Warnf("corrupted cache entry %s, discarding", filepath.Base(path))
		os.Remove(path)
		return nil, false
	}
	return data, true
}

// Set writes value under key atomically (write to temp, then rename) so
// readers never observe a partial entry.
func (c *Disk) Set(key string, value any) error {
	if !c.enabled {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}
	path := c.pathForKey(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key, ignoring a missing file.
func (c *Disk) Delete(key string) {
	if !c.enabled {
		return
	}
	os.Remove(c.pathForKey(key))
}
