package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

const persistVersion = 1

// persistFile is the on-disk shape: a version marker and [key, entry]
// pairs in most-recently-used-first order.
type persistFile struct {
	Version int               `json:"version"`
	Entries []json.RawMessage `json:"entries"`
}

// Persist writes the cache to path atomically.
func (c *Cache) Persist(path string) error {
	c.mu.Lock()
	pairs := make([]json.RawMessage, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		item := el.Value.(*lruItem)
		raw, err := json.Marshal([2]any{item.key, item.entry})
		if err != nil {
			continue
		}
		pairs = append(pairs, raw)
	}
	c.mu.Unlock()

	data, err := json.Marshal(persistFile{Version: persistVersion, Entries: pairs})
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "cache-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Load restores entries from path. Missing files are fine; expired entries
// and malformed pairs are skipped. Loaded pairs keep their recency order.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var pf persistFile
	if err := json.Unmarshal(data, &pf); err != nil {
		slog.Warn("cache.load_malformed", "path", path, "error", err)
		return nil
	}
	if pf.Version != persistVersion {
		slog.Warn("cache.load_version_mismatch", "path", path, "version", pf.Version)
		return nil
	}

	loaded, skipped := 0, 0

	c.mu.Lock()
	for _, raw := range pf.Entries {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			skipped++
			continue
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil || key == "" {
			skipped++
			continue
		}
		var entry Entry
		if err := json.Unmarshal(pair[1], &entry); err != nil {
			skipped++
			continue
		}
		if entry.CreatedAt.IsZero() || c.expiredLocked(entry) {
			skipped++
			continue
		}
		if _, dup := c.items[key]; dup {
			continue
		}
		// Entries arrive most-recent-first, so once full the rest are the
		// least recent and can be dropped.
		if c.ll.Len() >= c.maxEntries {
			skipped++
			continue
		}
		el := c.ll.PushBack(&lruItem{key: key, entry: entry})
		c.items[key] = el
		loaded++
	}
	c.mu.Unlock()

	slog.Debug("cache.loaded", "path", path, "entries", loaded, "skipped", skipped)
	return nil
}
