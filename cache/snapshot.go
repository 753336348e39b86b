package cache

import (
	"container/list"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// snapshotVersion is bumped when the on-disk schema changes. Older or
// unknown versions are discarded on load.
const snapshotVersion = 1

type snapshotDocument struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []snapshotEntry `json:"entries"`
}

// snapshotEntry records one cache entry, most recently used first.
type snapshotEntry struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	ExpiresAt  time.Time `json:"expires_at"`
	Hits       int       `json:"hits,omitempty"`
}

// saveSnapshot writes the cache contents to the configured path. The
// document is written to a temp file and atomically renamed so the live
// file is never partially written. Failures are logged and swallowed: a
// cache that cannot persist degrades to memory-only operation.
func (c *lruCache) saveSnapshot() {
	doc := snapshotDocument{Version: snapshotVersion, SavedAt: time.Now()}
	c.mutex.Lock()
	doc.Entries = make([]snapshotEntry, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		ent := elem.Value.(*entry)
		doc.Entries = append(doc.Entries, snapshotEntry{
			Key:        ent.key,
			Value:      ent.object,
			CreatedAt:  ent.createdAt,
			LastAccess: ent.lastAccess,
			ExpiresAt:  ent.expires,
			Hits:       ent.hits,
		})
	}
	c.dirty = 0
	c.mutex.Unlock()

	buf, err := json.Marshal(doc)
	if err != nil {
		c.cfg.log.Error("cache snapshot marshal failed: %s", err)
		return
	}
	dir := filepath.Dir(c.cfg.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".cache-snapshot-*")
	if err != nil {
		c.cfg.log.Error("cache snapshot temp file failed: %s", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		c.cfg.log.Error("cache snapshot write failed: %s", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		c.cfg.log.Error("cache snapshot close failed: %s", err)
		return
	}
	if err := os.Rename(tmpName, c.cfg.snapshotPath); err != nil {
		os.Remove(tmpName)
		c.cfg.log.Error("cache snapshot rename failed: %s", err)
		return
	}
	c.cfg.log.Debug("cache snapshot saved with %d entries", len(doc.Entries))
}

// loadSnapshot restores previously persisted entries. Expired entries are
// dropped. A missing, corrupt or incompatible snapshot is never fatal: the
// cache simply starts empty.
func (c *lruCache) loadSnapshot() {
	buf, err := os.ReadFile(c.cfg.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.cfg.log.Warn("cache snapshot unreadable, starting empty: %s", err)
		}
		return
	}
	var doc snapshotDocument
	if err := json.Unmarshal(buf, &doc); err != nil {
		c.cfg.log.Warn("cache snapshot corrupt, starting empty: %s", err)
		return
	}
	if doc.Version != snapshotVersion {
		c.cfg.log.Warn("cache snapshot version %d not supported, starting empty", doc.Version)
		return
	}
	now := time.Now()
	c.mutex.Lock()
	c.order = list.New()
	c.items = make(map[string]*list.Element)
	var dropped int
	// Entries are persisted most recent first; append keeps that order.
	for _, se := range doc.Entries {
		if !se.ExpiresAt.After(now) {
			dropped++
			continue
		}
		if _, ok := c.items[se.Key]; ok {
			continue
		}
		if len(c.items) >= c.cfg.maxSize {
			break
		}
		ent := &entry{
			key:        se.Key,
			object:     se.Value,
			createdAt:  se.CreatedAt,
			lastAccess: se.LastAccess,
			expires:    se.ExpiresAt,
			hits:       se.Hits,
		}
		c.items[se.Key] = c.order.PushBack(ent)
	}
	loaded := len(c.items)
	c.mutex.Unlock()
	c.cfg.log.Info("cache snapshot loaded: %d entries (%d expired)", loaded, dropped)
}
