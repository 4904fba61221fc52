// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"gitlab.com/tozd/go/errors"
)

// scanPages walks the sitemap and refreshes every page whose lastmod moved
// or whose metadata is missing or stale. Revision bodies are fetched through
// the same task list, so a page's bodies run right after its scan.
func (e *SiteEngine) scanPages(ctx context.Context, remote SiteMap) {
	names := make([]string, 0, len(remote))
	for name := range remote {
		names = append(names, name)
	}
	sort.Strings(names)

	list := &taskList{}
	scheduled := 0
	for _, name := range names {
		name := name
		lastmod := remote[name]
		if e.pageFresh(name, lastmod) {
			continue
		}
		scheduled++
		list.Push(func(ctx context.Context) {
			e.scanPage(ctx, list, name, lastmod)
		})
	}
	if scheduled == 0 {
		e.log.Info().Msg("all pages current")
		return
	}
	e.log.Info().Int("pages", scheduled).Msg("scanning pages")
	stop := e.startProgress(ctx, StatusPagesMain, scheduled)
	defer stop()
	if err := e.pool.Run(ctx, list, defaultSlots); err != nil {
		e.log.Warn().Err(err).Msg("page scan interrupted")
	}
}

// pageFresh implements the skip rule: the stored sitemap_update matches and
// the metadata file is still there (and of the current schema version).
func (e *SiteEngine) pageFresh(name string, lastmod int64) bool {
	meta := e.loadPageMeta(name)
	return meta != nil && meta.SitemapUpdate == lastmod
}

// scanPage refreshes one page end to end: info, votes, lock state, files,
// revision listing, then enqueues body fetches for anything new.
func (e *SiteEngine) scanPage(ctx context.Context, list *taskList, name string, lastmod int64) {
	log := e.log.With().Str("page", name).Logger()

	var info *pageInfo
	errE := e.withRetries(ctx, func() errors.E {
		doc, errE := e.wiki.PageHTML(ctx, name)
		if errE != nil {
			return errE
		}
		info, errE = parsePageInfo(doc)
		return errE
	})
	if errE != nil {
		log.Warn().Err(errE).Msg("page info fetch failed, postponing")
		e.postponePage(name)
		return
	}

	meta := e.loadPageMeta(name)
	if meta != nil && meta.PageID != info.PageID {
		log.Info().
			Int64("old_id", meta.PageID).
			Int64("new_id", info.PageID).
			Msg("page id changed under the same name, replacing")
		e.markPageRemoved(name)
		meta = nil
	}
	if meta == nil {
		fresh := newPageMeta(name)
		meta = &fresh
	}
	meta.PageID = info.PageID
	meta.Rating = info.Rating
	meta.Tags = info.Tags
	meta.Title = info.Title
	meta.Parent = info.Parent
	meta.ForumThread = info.ForumThread

	var votings []Voting
	errE = e.withRetries(ctx, func() errors.E {
		var errE errors.E
		votings, errE = e.wiki.PageVoters(ctx, meta.PageID)
		return errE
	})
	if errE != nil {
		log.Warn().Err(errE).Msg("voters fetch failed")
		e.telemetry.ErrorNonfatal(ErrKindVoteFetch, name, errE.Error())
	} else {
		meta.Votings = votings
	}

	var locked bool
	errE = e.withRetries(ctx, func() errors.E {
		var errE errors.E
		locked, errE = e.wiki.PageLockStatus(ctx, meta.PageID)
		return errE
	})
	if errE != nil {
		log.Warn().Err(errE).Msg("lock status fetch failed")
		e.telemetry.ErrorNonfatal(ErrKindLockStatusFetch, name, errE.Error())
	} else {
		meta.IsLocked = locked
	}

	e.refreshPageFiles(ctx, meta)

	localMax := meta.MaxRevision()
	var newRevs []PageRevision
	errE = e.withRetries(ctx, func() errors.E {
		var errE errors.E
		newRevs, errE = e.wiki.RevisionsSince(ctx, meta.PageID, localMax)
		return errE
	})
	if errE != nil {
		// Keep the refreshed fields but leave sitemap_update stale so the
		// next run rescans.
		if errS := e.savePageMeta(meta); errS != nil {
			log.Err(errS).Msg("saving page metadata")
		}
		log.Warn().Err(errE).Msg("revision listing failed, postponing")
		e.postponePage(name)
		return
	}
	if len(newRevs) > 0 {
		merged := make([]PageRevision, 0, len(newRevs)+len(meta.Revisions))
		merged = append(merged, newRevs...)
		merged = append(merged, meta.Revisions...)
		meta.Revisions = merged
	}
	if errO := meta.CheckRevisionOrder(); errO != nil {
		log.Warn().Err(errO).Msg("revision listing out of order")
		e.telemetry.ErrorNonfatal(ErrKindWhatTheFuck, name, errO.Error())
	}
	meta.SitemapUpdate = lastmod

	e.pageIDs.Update(func(v *PageIDMap) {
		(*v)[meta.PageID] = name
	})
	if errE := e.savePageMeta(meta); errE != nil {
		log.Err(errE).Msg("saving page metadata, postponing")
		e.postponePage(name)
		return
	}

	if len(newRevs) == 0 {
		e.finishPage(name)
		return
	}
	log.Debug().Int("revisions", len(newRevs)).Msg("fetching revision bodies")
	batch := &revisionBatch{engine: e, name: name, pageID: meta.PageID}
	batch.remaining.Store(int32(len(newRevs)))
	for _, rev := range newRevs {
		rev := rev
		list.Push(func(ctx context.Context) {
			batch.fetch(ctx, rev)
		})
	}
}

// revisionBatch tracks the body fetches of one page so compaction and the
// page-done signal fire once the last one finishes.
type revisionBatch struct {
	engine    *SiteEngine
	name      string
	pageID    int64
	remaining atomic.Int32
	wrote     atomic.Bool
}

func (b *revisionBatch) fetch(ctx context.Context, rev PageRevision) {
	e := b.engine
	var source string
	errE := e.withRetries(ctx, func() errors.E {
		var errE errors.E
		source, errE = e.wiki.RevisionSource(ctx, rev.GlobalRevision)
		return errE
	})
	if errE == nil {
		path := filepath.Join(e.pageFolder(b.name), strconv.Itoa(rev.Revision)+".txt")
		if errW := atomicWriteFile(path, []byte(source)); errW != nil {
			errE = errW
		}
	}
	if errE != nil {
		e.log.Warn().Err(errE).
			Str("page", b.name).
			Int64("revision", rev.GlobalRevision).
			Msg("revision body postponed")
		e.pendingRevs.Update(func(v *PendingRevisions) {
			(*v)[rev.GlobalRevision] = b.pageID
		})
		e.telemetry.ErrorNonfatal(ErrKindGivingUp, b.name, errE.Error())
	} else {
		b.wrote.Store(true)
		e.stats.revisions.Increment()
	}
	if b.remaining.Add(-1) == 0 {
		if b.wrote.Load() {
			e.compactPage(ctx, b.name)
		}
		e.finishPage(b.name)
	}
}

// refreshPageFiles reconciles the page's attached files: listing, per-file
// details, byte downloads for anything not on disk, and removal of files
// the remote no longer lists.
func (e *SiteEngine) refreshPageFiles(ctx context.Context, meta *PageMeta) {
	var rows []fileListEntry
	errE := e.withRetries(ctx, func() errors.E {
		var errE errors.E
		rows, errE = e.wiki.PageFilesList(ctx, meta.PageID)
		return errE
	})
	if errE != nil {
		e.log.Warn().Err(errE).Str("page", meta.Name).Msg("files listing failed")
		e.telemetry.ErrorNonfatal(ErrKindFileMetaFetch, meta.Name, errE.Error())
		return
	}

	prior := make(map[int64]FileMeta, len(meta.Files))
	for _, file := range meta.Files {
		prior[file.FileID] = file
	}

	meta.Files = make([]FileMeta, 0, len(rows))
	seen := make(map[int64]bool, len(rows))
	for _, row := range rows {
		seen[row.ID] = true
		file := FileMeta{FileID: row.ID, InternalVersion: fileInternalVersion}
		if old, ok := prior[row.ID]; ok {
			file = old
		}
		file.Name = row.Name
		file.URL = row.URL

		var details *fileInfo
		errE := e.withRetries(ctx, func() errors.E {
			var errE errors.E
			details, errE = e.wiki.FileDetails(ctx, row.ID, meta.PageID)
			return errE
		})
		if errE != nil {
			e.log.Warn().Err(errE).Str("page", meta.Name).Int64("file", row.ID).Msg("file details fetch failed")
			e.telemetry.ErrorNonfatal(ErrKindFileMetaFetch, meta.Name, errE.Error())
		} else {
			if details.Name != "" {
				file.Name = details.Name
			}
			file.Mime = details.Mime
			file.Size = details.Size
			file.SizeBytes = details.SizeBytes
			if details.Author != nil {
				file.Author = details.Author
			}
			if details.Stamp != 0 {
				file.Stamp = details.Stamp
			}
		}

		if !e.fileOnDisk(row.ID) {
			var contentType string
			errE := e.withRetries(ctx, func() errors.E {
				var errE errors.E
				contentType, errE = e.downloadFile(ctx, meta.Name, row.ID, row.URL)
				return errE
			})
			if errE != nil {
				e.log.Warn().Err(errE).Str("page", meta.Name).Int64("file", row.ID).Msg("file download postponed")
				e.enqueueFileRetry(row.ID)
				e.telemetry.ErrorNonfatal(ErrKindFileFetch, meta.Name, errE.Error())
			} else if contentType != "" {
				file.ContentType = contentType
			}
		}
		meta.Files = append(meta.Files, file)
	}

	for id := range prior {
		if seen[id] {
			continue
		}
		e.log.Debug().Str("page", meta.Name).Int64("file", id).Msg("file gone from listing, removing")
		e.removePath(meta.Name, filepath.Join(e.dir, fileRelPath(meta.Name, id)))
		e.fileMap.Update(func(v *FileMap) {
			delete(*v, id)
		})
		e.dropFileRetry(id)
	}
}

func (e *SiteEngine) postponePage(name string) {
	e.pendingPages.Update(func(v *PendingPages) {
		for _, existing := range *v {
			if existing == name {
				return
			}
		}
		*v = append(*v, name)
	})
	e.telemetry.PagePostponed()
	e.stats.pagesPostponed.Increment()
}

func (e *SiteEngine) finishPage(name string) {
	e.dropPendingPage(name)
	e.telemetry.PageDone()
	e.stats.pagesDone.Increment()
}

func (e *SiteEngine) dropPendingPage(name string) {
	e.pendingPages.Update(func(v *PendingPages) {
		kept := (*v)[:0]
		for _, existing := range *v {
			if existing != name {
				kept = append(kept, existing)
			}
		}
		*v = kept
	})
}

// retryPendingPages gives the pages postponed earlier in this run (or left
// over from the previous one) a second chance. Names no longer in the
// sitemap are dropped; the pages no longer exist.
func (e *SiteEngine) retryPendingPages(ctx context.Context) {
	var names []string
	e.pendingPages.View(func(v *PendingPages) {
		names = append(names, *v...)
	})
	if len(names) == 0 {
		return
	}
	e.log.Info().Int("count", len(names)).Msg("retrying postponed pages")

	current := make(SiteMap)
	e.sitemap.View(func(v *SiteMap) {
		for name, lastmod := range *v {
			current[name] = lastmod
		}
	})

	list := &taskList{}
	for _, name := range names {
		name := name
		lastmod, ok := current[name]
		if !ok {
			e.dropPendingPage(name)
			continue
		}
		list.Push(func(ctx context.Context) {
			e.scanPage(ctx, list, name, lastmod)
		})
	}
	if err := e.pool.Run(ctx, list, defaultSlots); err != nil {
		e.log.Warn().Err(err).Msg("pending page retry interrupted")
	}
}

// ephemeralPage matches namespaces whose pages appear and vanish quickly;
// their leftover revision work is not worth keeping in the queue.
func ephemeralPage(name string) bool {
	return strings.HasPrefix(name, "nav:") || strings.HasPrefix(name, "tech:")
}

// processPendingRevisions replays revision bodies that earlier runs could
// not fetch. Entries whose owning page or revision record cannot be found
// are dropped with a telemetry note.
func (e *SiteEngine) processPendingRevisions(ctx context.Context) {
	pending := make(PendingRevisions)
	e.pendingRevs.View(func(v *PendingRevisions) {
		for grev, pageID := range *v {
			pending[grev] = pageID
		}
	})
	if len(pending) == 0 {
		return
	}
	e.log.Info().Int("count", len(pending)).Msg("retrying postponed revisions")

	idMap := make(PageIDMap)
	e.pageIDs.View(func(v *PageIDMap) {
		for id, name := range *v {
			idMap[id] = name
		}
	})

	grevs := make([]int64, 0, len(pending))
	for grev := range pending {
		grevs = append(grevs, grev)
	}
	sort.Slice(grevs, func(i, j int) bool { return grevs[i] < grevs[j] })

	for _, grev := range grevs {
		if ctx.Err() != nil {
			return
		}
		pageID := pending[grev]
		name, ok := idMap[pageID]
		if !ok {
			e.telemetry.ErrorNonfatal(ErrKindMetaMissing, strconv.FormatInt(grev, 10), "page id not in map")
			e.dropPendingRevision(grev)
			continue
		}
		meta := e.loadPageMeta(name)
		if meta == nil {
			e.telemetry.ErrorNonfatal(ErrKindMetaMissing, name, "page metadata missing")
			e.dropPendingRevision(grev)
			continue
		}
		rev, ok := meta.RevisionByGlobal(grev)
		if !ok {
			e.telemetry.ErrorNonfatal(ErrKindMetaMissing, name, "revision not recorded in metadata")
			e.dropPendingRevision(grev)
			continue
		}

		var source string
		errE := e.withRetries(ctx, func() errors.E {
			var errE errors.E
			source, errE = e.wiki.RevisionSource(ctx, grev)
			return errE
		})
		if errE == nil {
			path := filepath.Join(e.pageFolder(name), strconv.Itoa(rev.Revision)+".txt")
			if errW := atomicWriteFile(path, []byte(source)); errW != nil {
				errE = errW
			}
		}
		if errE != nil {
			if ephemeralPage(name) {
				e.log.Info().Str("page", name).Int64("revision", grev).Msg("giving up on ephemeral page revision")
				e.telemetry.ErrorNonfatal(ErrKindGivingUp, name, errE.Error())
				e.dropPendingRevision(grev)
			} else {
				e.log.Warn().Err(errE).Str("page", name).Int64("revision", grev).Msg("revision still failing, keeping queued")
			}
			continue
		}
		e.stats.revisions.Increment()
		e.dropPendingRevision(grev)
	}
}

func (e *SiteEngine) dropPendingRevision(grev int64) {
	e.pendingRevs.Update(func(v *PendingRevisions) {
		delete(*v, grev)
	})
}
