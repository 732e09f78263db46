// Package cache implements the two-tier dataset cache: a bounded in-memory
// LRU in front of a persistent on-disk store. Disk entries are gzip-compressed
// JSON payloads with a metadata sidecar carrying the schema version, creation
// time, covered range, record count, and TTL.
//
// Disk faults never propagate; a corrupted, stale, or unreadable entry is
// treated as a miss and removed so ingestion makes progress even with a
// failing disk.
package cache

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/errs"
	"github.com/VirtuonBeta/Virtuos-Market/internal/metrics"
	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

const (
	payloadSuffix  = ".json.gz"
	metadataSuffix = ".metadata.json"
)

// Metadata is the sidecar written next to every payload file.
type Metadata struct {
	CacheVersion int             `json:"cache_version"`
	CachedAt     time.Time       `json:"cached_at"`
	CoveredStart time.Time       `json:"covered_start"`
	CoveredEnd   time.Time       `json:"covered_end"`
	RecordCount  int             `json:"record_count"`
	TTL          config.Duration `json:"ttl"`
}

// expired reports whether the entry's TTL has elapsed at the given time.
func (m *Metadata) expired(now time.Time) bool {
	return now.Sub(m.CachedAt) > m.TTL.Duration
}

// covers reports whether the entry's covered range fully contains [start, end].
func (m *Metadata) covers(start, end time.Time) bool {
	return !m.CoveredStart.After(start) && !m.CoveredEnd.Before(end)
}

// Store is the two-tier cache. The memory tier mutates under its own lock;
// the disk index mutates under the store lock. Neither lock is held across
// disk I/O.
type Store struct {
	cfg    config.CacheConfig
	logger *slog.Logger
	sink   metrics.EventSink
	memory *memoryTier

	mu    sync.Mutex
	index map[string]Metadata
}

// New creates the store, ensures the cache directory exists, and loads the
// sidecar index from disk. Unreadable sidecars are skipped with a warning.
func New(cfg config.CacheConfig, logger *slog.Logger, sink metrics.EventSink) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.Dir, err)
	}

	s := &Store{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		memory: newMemoryTier(cfg.MemoryCapacity),
		index:  make(map[string]Metadata),
	}
	s.loadIndex()

	logger.Info("cache store initialized",
		"dir", cfg.Dir,
		"memory_capacity", cfg.MemoryCapacity,
		"disk_entries", len(s.index))

	return s, nil
}

// loadIndex scans the cache directory for metadata sidecars.
func (s *Store) loadIndex() {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*"+metadataSuffix))
	if err != nil {
		s.logger.Warn("cache index scan failed", "error", err)
		return
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable cache sidecar", "path", path, "error", err)
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("skipping corrupted cache sidecar", "path", path, "error", err)
			continue
		}
		key := strings.TrimSuffix(filepath.Base(path), metadataSuffix)
		s.index[key] = meta
	}
}

// Get returns the cached dataset for the key, or nil on miss. An entry with
// a mismatched schema version, an elapsed TTL, or a covered range that does
// not contain the key's range is deleted and treated as a miss, as is any
// entry whose payload cannot be read or decoded.
func (s *Store) Get(key Key) *models.Dataset {
	name := key.String()

	if ds, ok := s.memory.get(name); ok {
		s.sink.Record(metrics.EventCacheHit, map[string]any{"key": name, "tier": "memory"})
		return ds
	}

	s.mu.Lock()
	meta, ok := s.index[name]
	s.mu.Unlock()

	if !ok {
		s.sink.Record(metrics.EventCacheMiss, map[string]any{"key": name})
		return nil
	}

	if !s.validEntry(name, &meta, key) {
		s.Delete(key)
		s.sink.Record(metrics.EventCacheMiss, map[string]any{"key": name})
		return nil
	}

	ds, err := s.readPayload(name)
	if err != nil {
		s.logger.Warn("cache payload unreadable, treating as miss",
			"key", name, "error", &errs.CacheError{Op: "read", Key: name, Err: err})
		s.Delete(key)
		s.sink.Record(metrics.EventCacheMiss, map[string]any{"key": name})
		return nil
	}

	s.memory.put(name, ds)
	s.sink.Record(metrics.EventCacheHit, map[string]any{"key": name, "tier": "disk"})
	return ds
}

func (s *Store) validEntry(name string, meta *Metadata, key Key) bool {
	switch {
	case meta.CacheVersion != s.cfg.SchemaVersion:
		s.logger.Debug("cache entry schema version mismatch",
			"key", name, "entry_version", meta.CacheVersion, "current_version", s.cfg.SchemaVersion)
		return false
	case meta.expired(time.Now()):
		s.logger.Debug("cache entry expired", "key", name, "cached_at", meta.CachedAt)
		return false
	case !meta.covers(key.Start, key.End):
		s.logger.Debug("cache entry does not cover requested range",
			"key", name,
			"covered_start", meta.CoveredStart,
			"covered_end", meta.CoveredEnd)
		return false
	default:
		return true
	}
}

// Put stores the dataset under the key in both tiers. Disk faults are
// logged and swallowed; the memory tier is always updated so the current
// process still benefits from the entry.
func (s *Store) Put(key Key, ds *models.Dataset, ttl time.Duration) {
	name := key.String()
	s.memory.put(name, ds)

	meta := Metadata{
		CacheVersion: s.cfg.SchemaVersion,
		CachedAt:     time.Now().UTC(),
		CoveredStart: key.Start,
		CoveredEnd:   key.End,
		RecordCount:  ds.Len(),
		TTL:          config.D(ttl),
	}

	if err := s.writePayload(name, ds); err != nil {
		s.logger.Warn("cache payload write failed",
			"error", &errs.CacheError{Op: "write", Key: name, Err: err})
		return
	}
	if err := s.writeMetadata(name, &meta); err != nil {
		s.logger.Warn("cache sidecar write failed",
			"error", &errs.CacheError{Op: "write", Key: name, Err: err})
		return
	}

	s.mu.Lock()
	s.index[name] = meta
	s.mu.Unlock()
}

// Delete removes the entry from both tiers. Missing files are not errors.
func (s *Store) Delete(key Key) {
	name := key.String()
	s.memory.remove(name)

	s.mu.Lock()
	delete(s.index, name)
	s.mu.Unlock()

	s.removeFiles(name)
}

// Clear removes every entry from both tiers.
func (s *Store) Clear() {
	s.memory.clear()

	s.mu.Lock()
	names := make([]string, 0, len(s.index))
	for name := range s.index {
		names = append(names, name)
	}
	s.index = make(map[string]Metadata)
	s.mu.Unlock()

	for _, name := range names {
		s.removeFiles(name)
	}
}

// SweepExpired removes all entries whose TTL has elapsed or whose schema
// version is stale, returning the number removed. Expired entries are
// collected from the in-memory index under the lock; file deletion happens
// outside it so concurrent Get and Put callers are not blocked on disk I/O.
func (s *Store) SweepExpired() int {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for name, meta := range s.index {
		if meta.expired(now) || meta.CacheVersion != s.cfg.SchemaVersion {
			expired = append(expired, name)
		}
	}
	for _, name := range expired {
		delete(s.index, name)
	}
	s.mu.Unlock()

	for _, name := range expired {
		s.memory.remove(name)
		s.removeFiles(name)
	}

	if len(expired) > 0 {
		s.logger.Info("cache sweep removed expired entries", "count", len(expired))
	}
	return len(expired)
}

// Len returns the number of entries in the persistent index.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *Store) payloadPath(name string) string {
	return filepath.Join(s.cfg.Dir, name+payloadSuffix)
}

func (s *Store) metadataPath(name string) string {
	return filepath.Join(s.cfg.Dir, name+metadataSuffix)
}

func (s *Store) readPayload(name string) (*models.Dataset, error) {
	f, err := os.Open(s.payloadPath(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var ds models.Dataset
	if err := json.NewDecoder(gz).Decode(&ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// writePayload publishes atomically: the payload is written to a temporary
// file in the cache directory and renamed into place, so a crash mid-write
// never leaves a half-written, readable file.
func (s *Store) writePayload(name string, ds *models.Dataset) error {
	tmp, err := os.CreateTemp(s.cfg.Dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(ds); err != nil {
		tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, s.payloadPath(name))
}

func (s *Store) writeMetadata(name string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.cfg.Dir, name+".meta-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, s.metadataPath(name))
}

func (s *Store) removeFiles(name string) {
	for _, path := range []string{s.payloadPath(name), s.metadataPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("cache file removal failed", "path", path, "error", err)
		}
	}
}
