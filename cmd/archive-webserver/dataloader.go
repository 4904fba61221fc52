// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WikiStatus is one wiki's footprint inside the archive tree.
type WikiStatus struct {
	Name             string `json:"name"`
	Pages            int    `json:"pages"`
	PageArchives     int    `json:"page_archives"`
	Files            int    `json:"files"`
	ForumCategories  int    `json:"forum_categories"`
	ForumThreads     int    `json:"forum_threads"`
	PendingPages     int    `json:"pending_pages"`
	PendingFiles     int    `json:"pending_files"`
	PendingRevisions int    `json:"pending_revisions"`
	UserProfiles     int    `json:"user_profiles"`
	DiskBytes        int64  `json:"disk_bytes"`
}

// StatusSnapshot is what /status.json serves.
type StatusSnapshot struct {
	ScannedAt time.Time    `json:"scanned_at"`
	Wikis     []WikiStatus `json:"wikis"`
}

// DataLoader periodically scans a crawler's base directory. The crawler owns
// the tree and may be writing while we read; document writes over there are
// atomic renames, so every file we pick up is either absent or complete.
type DataLoader struct {
	base     string
	mutex    sync.RWMutex
	snapshot StatusSnapshot
}

func NewDataLoader(base string) (*DataLoader, error) {
	dl := &DataLoader{base: base}
	if err := dl.Reload(); err != nil {
		return nil, err
	}
	return dl, nil
}

// Get returns the most recent snapshot.
func (dl *DataLoader) Get() StatusSnapshot {
	dl.mutex.RLock()
	defer dl.mutex.RUnlock()
	return dl.snapshot
}

// Reload rescans the base directory and swaps in a fresh snapshot.
func (dl *DataLoader) Reload() error {
	entries, err := os.ReadDir(dl.base)
	if err != nil {
		return err
	}
	snapshot := StatusSnapshot{ScannedAt: time.Now().UTC()}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snapshot.Wikis = append(snapshot.Wikis,
			scanWiki(filepath.Join(dl.base, entry.Name()), entry.Name()))
	}
	dl.mutex.Lock()
	dl.snapshot = snapshot
	dl.mutex.Unlock()
	return nil
}

// Watch rescans every thirty seconds until the context ends. Failures keep
// the previous snapshot.
func (dl *DataLoader) Watch(ctx context.Context, log zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dl.Reload(); err != nil {
				log.Warn().Err(err).Msg("archive rescan failed")
			}
		}
	}
}

func scanWiki(dir, name string) WikiStatus {
	return WikiStatus{
		Name:             name,
		Pages:            countFiles(filepath.Join(dir, "meta", "pages"), ".json"),
		PageArchives:     countFiles(filepath.Join(dir, "pages"), ".7z"),
		Files:            countTreeFiles(filepath.Join(dir, "files")),
		ForumCategories:  countFiles(filepath.Join(dir, "meta", "forum", "category"), ".json"),
		ForumThreads:     countForumThreads(filepath.Join(dir, "meta", "forum")),
		PendingPages:     lenJSONList[string](filepath.Join(dir, "meta", "pending_pages.json")),
		PendingFiles:     lenJSONList[int64](filepath.Join(dir, "meta", "pending_files.json")),
		PendingRevisions: lenJSONMap(filepath.Join(dir, "meta", "pending_revisions.json")),
		UserProfiles:     countUserProfiles(filepath.Join(dir, "_users")),
		DiskBytes:        treeBytes(dir),
	}
}

// countFiles counts the direct children of dir whose name carries suffix.
func countFiles(dir, suffix string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			n++
		}
	}
	return n
}

// countTreeFiles counts regular files anywhere under dir.
func countTreeFiles(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}

// countForumThreads counts thread metadata files across all category folders.
// The "category" folder holds category records, not threads.
func countForumThreads(forumMeta string) int {
	entries, err := os.ReadDir(forumMeta)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "category" {
			continue
		}
		n += countFiles(filepath.Join(forumMeta, entry.Name()), ".json")
	}
	return n
}

func lenJSONList[T any](path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var list []T
	if err := json.Unmarshal(data, &list); err != nil {
		return 0
	}
	return len(list)
}

func lenJSONMap(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return 0
	}
	return len(m)
}

// countUserProfiles sums entries across the bucketed user store, skipping
// the pending-replay queue kept in the same folder.
func countUserProfiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == "pending.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var bucket map[string]json.RawMessage
		if err := json.Unmarshal(data, &bucket); err != nil {
			continue
		}
		n += len(bucket)
	}
	return n
}

// treeBytes sums regular file sizes under dir.
func treeBytes(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
