package store

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileStore keeps each cache entry as its own JSON file under a root
// directory, optionally gzip-compressed:
//
//	<root>/<platform>/listing/<offset>.json
//	<root>/<platform>/detail/<game_id>.json
//	<root>/updates/<offset>.json
//	<root>/<platform>/status.json, <root>/updates.json, <root>/platforms.json
//
// Writes go to a temp file first and are renamed into place, so a crashed
// run never leaves a half-written entry for the next run to trip over.
type FileStore struct {
	root     string
	compress bool
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, compress bool) *FileStore {
	return &FileStore{root: dir, compress: compress}
}

// Put writes value to its slot via temp-file-then-rename.
func (s *FileStore) Put(platformID int64, ns Namespace, key int64, value any) error {
	dir := s.nsDir(platformID, ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if s.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err = gz.Write(data); err != nil {
			return fmt.Errorf("compress cache entry: %w", err)
		}
		if err = gz.Close(); err != nil {
			return fmt.Errorf("compress cache entry: %w", err)
		}
		data = buf.Bytes()
	}
	return s.writeFile(filepath.Join(dir, strconv.FormatInt(key, 10)+".json"), data)
}

// Get reads and decodes a slot. Compressed and plain entries are both
// accepted regardless of the store's own compression setting.
func (s *FileStore) Get(platformID int64, ns Namespace, key int64, out any) error {
	path := filepath.Join(s.nsDir(platformID, ns), strconv.FormatInt(key, 10)+".json")
	return s.readFile(path, out)
}

// Keys lists populated keys in numeric ascending order, so offset 100
// sorts after 20, not before it.
func (s *FileStore) Keys(platformID int64, ns Namespace) ([]int64, error) {
	entries, err := os.ReadDir(s.nsDir(platformID, ns))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	keys := make([]int64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue // stray file, not a cache entry
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Delete removes a single slot, a no-op if it doesn't exist.
func (s *FileStore) Delete(platformID int64, ns Namespace, key int64) error {
	path := filepath.Join(s.nsDir(platformID, ns), strconv.FormatInt(key, 10)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteAll wipes a platform's entire cache tree. For Global it wipes the
// updates pages and the update status file.
func (s *FileStore) DeleteAll(platformID int64) error {
	if platformID == Global {
		if err := os.RemoveAll(filepath.Join(s.root, string(Updates))); err != nil {
			return fmt.Errorf("delete updates cache: %w", err)
		}
		if err := os.Remove(filepath.Join(s.root, "updates.json")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete updates status: %w", err)
		}
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.root, strconv.FormatInt(platformID, 10))); err != nil {
		return fmt.Errorf("delete platform cache: %w", err)
	}
	return nil
}

// PutBlob writes a named singleton, pretty-printed and uncompressed so it
// stays inspectable (status files are tiny and read by humans).
func (s *FileStore) PutBlob(name string, value any) error {
	path := filepath.Join(s.root, filepath.FromSlash(name)+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return s.writeFile(path, data)
}

// GetBlob reads a named singleton.
func (s *FileStore) GetBlob(name string, out any) error {
	return s.readFile(filepath.Join(s.root, filepath.FromSlash(name)+".json"), out)
}

func (s *FileStore) nsDir(platformID int64, ns Namespace) string {
	if ns == Updates {
		return filepath.Join(s.root, string(Updates))
	}
	return filepath.Join(s.root, strconv.FormatInt(platformID, 10), string(ns))
}

func (s *FileStore) writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

func (s *FileStore) readFile(path string, out any) error {
	data, err := os.ReadFile(path) //nolint:gosec // paths are built from numeric ids
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read cache entry: %w", err)
	}
	if isGzip(data) {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		if data, err = io.ReadAll(gz); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
