// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// absoluteFileURL resolves a download URL from a files listing against the
// wiki base. The remote serves both absolute CDN URLs and site-relative
// /local--files/ paths.
func (e *SiteEngine) absoluteFileURL(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "//") {
		resolved, errE := resolveRedirect(e.wiki.base, raw)
		if errE != nil {
			return raw
		}
		return resolved
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return e.wiki.BaseURL() + raw
}

// fileRelPath is where a file's bytes live relative to the wiki root.
func fileRelPath(pageName string, fileID int64) string {
	return filepath.Join("files", normalizePageName(pageName), strconv.FormatInt(fileID, 10))
}

// downloadFile fetches one attached file and records it in FileMap. Returns
// the Content-Type the server reported.
func (e *SiteEngine) downloadFile(ctx context.Context, pageName string, fileID int64, rawURL string) (string, errors.E) {
	target := e.absoluteFileURL(rawURL)
	entry := FileMapEntry{URL: target, Path: fileRelPath(pageName, fileID)}
	return e.downloadFileEntry(ctx, fileID, entry)
}

func (e *SiteEngine) downloadFileEntry(ctx context.Context, fileID int64, entry FileMapEntry) (string, errors.E) {
	resp, errE := e.client.Get(ctx, entry.URL, nil)
	if errE != nil {
		return "", errE
	}
	if errE := atomicWriteFile(filepath.Join(e.dir, entry.Path), resp.Body); errE != nil {
		return "", errE
	}
	e.fileMap.Update(func(v *FileMap) {
		(*v)[fileID] = entry
	})
	e.stats.files.Increment()
	return resp.Header.Get("Content-Type"), nil
}

// fileOnDisk reports whether the bytes for a FileMap entry are present.
func (e *SiteEngine) fileOnDisk(fileID int64) bool {
	var entry FileMapEntry
	var known bool
	e.fileMap.View(func(v *FileMap) {
		entry, known = (*v)[fileID]
	})
	return known && fileExists(filepath.Join(e.dir, entry.Path))
}

// enqueueFileRetry adds a file id to the postponed queue, once.
func (e *SiteEngine) enqueueFileRetry(fileID int64) {
	e.pendingFiles.Update(func(v *PendingFiles) {
		for _, id := range *v {
			if id == fileID {
				return
			}
		}
		*v = append(*v, fileID)
	})
}

// processPendingFiles replays the postponed file downloads. Ids whose
// metadata cannot be located anywhere are dropped with a telemetry note;
// everything else either downloads or stays queued for the next run.
func (e *SiteEngine) processPendingFiles(ctx context.Context) {
	var ids []int64
	e.pendingFiles.View(func(v *PendingFiles) {
		ids = append(ids, *v...)
	})
	if len(ids) == 0 {
		return
	}
	e.log.Info().Int("count", len(ids)).Msg("retrying postponed files")

	for _, fileID := range ids {
		if ctx.Err() != nil {
			return
		}
		var entry FileMapEntry
		var known bool
		e.fileMap.View(func(v *FileMap) {
			entry, known = (*v)[fileID]
		})
		if !known {
			entry, known = e.rederiveFileEntry(fileID)
		}
		if !known {
			e.log.Warn().Int64("file", fileID).Msg("postponed file has no metadata anywhere, dropping")
			e.telemetry.ErrorNonfatal(ErrKindFileMetaFetch, strconv.FormatInt(fileID, 10), "file metadata not found")
			e.dropFileRetry(fileID)
			continue
		}
		errE := e.withRetries(ctx, func() errors.E {
			_, errE := e.downloadFileEntry(ctx, fileID, entry)
			return errE
		})
		if errE != nil {
			e.telemetry.ErrorNonfatal(ErrKindFileFetch, strconv.FormatInt(fileID, 10), errE.Error())
			continue
		}
		e.dropFileRetry(fileID)
	}
}

func (e *SiteEngine) dropFileRetry(fileID int64) {
	e.pendingFiles.Update(func(v *PendingFiles) {
		kept := (*v)[:0]
		for _, id := range *v {
			if id != fileID {
				kept = append(kept, id)
			}
		}
		*v = kept
	})
}

// rederiveFileEntry rebuilds a FileMap record for a file id by scanning the
// stored page metadata. Found entries are written back into FileMap.
func (e *SiteEngine) rederiveFileEntry(fileID int64) (FileMapEntry, bool) {
	pagesDir := filepath.Join(e.dir, "meta", "pages")
	dirEntries, err := os.ReadDir(pagesDir)
	if err != nil {
		return FileMapEntry{}, false
	}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".json") {
			continue
		}
		meta, errE := readJSONFile[PageMeta](filepath.Join(pagesDir, dirEntry.Name()))
		if errE != nil {
			continue
		}
		for _, file := range meta.Files {
			if file.FileID != fileID || file.URL == "" {
				continue
			}
			entry := FileMapEntry{
				URL:  e.absoluteFileURL(file.URL),
				Path: fileRelPath(meta.Name, fileID),
			}
			e.fileMap.Update(func(v *FileMap) {
				(*v)[fileID] = entry
			})
			return entry, true
		}
	}
	return FileMapEntry{}, false
}
