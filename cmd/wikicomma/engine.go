// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
)

const (
	defaultScanRetries  = 3
	defaultProgressRate = 30 * time.Second
)

// EngineDeps carries the pieces shared between site engines plus the knobs
// tests shrink. Telemetry and Mirror may be nil; a nil Archiver skips
// compaction.
type EngineDeps struct {
	Archiver    Archiver
	Telemetry   *TelemetrySink
	Mirror      *Mirror
	Pool        *workerPool
	Throttle    *Throttle
	SitemapLock *sync.Mutex
	Client      ClientOptions
	Log         zerolog.Logger

	RetryWait     time.Duration
	FlushInterval time.Duration
	ProgressRate  time.Duration
}

type engineStats struct {
	pagesDone      x.Counter
	pagesPostponed x.Counter
	revisions      x.Counter
	files          x.Counter
	threads        x.Counter
	archives       x.Counter
}

// SiteEngine archives one wiki. A single Run performs one full incremental
// pass: sitemap, deletions, pages, forums, postponed work, compaction.
type SiteEngine struct {
	name      string
	dir       string
	blacklist map[string]bool
	log       zerolog.Logger

	client    *Client
	wiki      *Connector
	users     *UserResolver
	archiver  Archiver
	pool      *workerPool
	telemetry *TelemetrySink
	mirror    *Mirror
	sitemapMu *sync.Mutex

	retryWait     time.Duration
	flushInterval time.Duration
	progressRate  time.Duration

	cookies      *Document[[]Cookie]
	sitemap      *Document[SiteMap]
	pendingPages *Document[PendingPages]
	pendingFiles *Document[PendingFiles]
	pendingRevs  *Document[PendingRevisions]
	fileMap      *Document[FileMap]
	pageIDs      *Document[PageIDMap]

	stats engineStats
}

func NewSiteEngine(wiki WikiConfig, cfg *Config, deps EngineDeps) (*SiteEngine, errors.E) {
	dir := filepath.Join(cfg.BaseDirectory, wiki.Name)
	log := deps.Log.With().Str("wiki", wiki.Name).Logger()

	clientOpts := deps.Client
	clientOpts.Jar = NewCookieJar()
	clientOpts.Throttle = deps.Throttle
	if clientOpts.UserAgent == "" {
		clientOpts.UserAgent = cfg.UserAgent
	}
	if clientOpts.HTTPProxy == "" {
		clientOpts.HTTPProxy = cfg.HTTPProxy.HostPort()
	}
	if clientOpts.SOCKSProxy == "" {
		clientOpts.SOCKSProxy = cfg.SOCKSProxy.HostPort()
	}
	client, errE := NewClient(clientOpts)
	if errE != nil {
		return nil, errE
	}
	conn, errE := NewConnector(client, wiki.URL, log)
	if errE != nil {
		return nil, errE
	}

	metaDir := filepath.Join(dir, "meta")
	e := &SiteEngine{
		name:      wiki.Name,
		dir:       dir,
		blacklist: wiki.BlacklistSet(),
		log:       log,
		client:    client,
		wiki:      conn,
		archiver:  deps.Archiver,
		pool:      deps.Pool,
		telemetry: deps.Telemetry,
		mirror:    deps.Mirror,
		sitemapMu: deps.SitemapLock,

		retryWait:     deps.RetryWait,
		flushInterval: deps.FlushInterval,
		progressRate:  deps.ProgressRate,

		cookies: NewDocument(filepath.Join(dir, "http_cookies.json"), func() []Cookie { return []Cookie{} }),
		sitemap: NewDocument(filepath.Join(metaDir, "sitemap.json"), func() SiteMap { return make(SiteMap) }),
		pendingPages: NewDocument(filepath.Join(metaDir, "pending_pages.json"), func() PendingPages {
			return PendingPages{}
		}),
		pendingFiles: NewDocument(filepath.Join(metaDir, "pending_files.json"), func() PendingFiles {
			return PendingFiles{}
		}),
		pendingRevs: NewDocument(filepath.Join(metaDir, "pending_revisions.json"), func() PendingRevisions {
			return make(PendingRevisions)
		}),
		fileMap: NewDocument(filepath.Join(metaDir, "file_map.json"), func() FileMap { return make(FileMap) }),
		pageIDs: NewDocument(filepath.Join(metaDir, "page_id_map.json"), func() PageIDMap { return make(PageIDMap) }),
	}
	if e.pool == nil {
		e.pool = &workerPool{}
	}
	if e.sitemapMu == nil {
		e.sitemapMu = &sync.Mutex{}
	}
	if e.retryWait == 0 {
		e.retryWait = defaultRetryWait
	}
	if e.flushInterval == 0 {
		e.flushInterval = defaultFlushInterval
	}
	if e.progressRate == 0 {
		e.progressRate = defaultProgressRate
	}
	e.users = NewUserResolver(client, wiki.URL, filepath.Join(dir, "_users"), cfg.UserFreshness(), log)
	return e, nil
}

// Run executes one archival pass. The returned error is fatal for this site
// only; recoverable faults end up in the pending stores instead.
func (e *SiteEngine) Run(ctx context.Context) errors.E {
	e.log.Info().Str("url", e.wiki.BaseURL()).Msg("starting site run")
	e.startDocuments()
	defer e.closeDocuments()
	defer func() {
		if errE := e.users.Close(); errE != nil {
			e.log.Err(errE).Msg("closing user store")
		}
	}()

	e.cookies.View(func(v *[]Cookie) {
		e.client.Jar().Restore(*v)
	})
	if errE := e.wiki.EnsureToken(ctx); errE != nil {
		e.telemetry.Progress(StatusFatalError)
		e.telemetry.ErrorFatal(ErrKindClientOffline, e.name, errE.Error())
		return errE
	}
	e.saveCookies()
	e.users.ReplayPending(ctx)

	e.rebuildPageIDMap()

	e.telemetry.Progress(StatusBuildingSitemap)
	e.sitemapMu.Lock()
	remote, errE := fetchSiteMap(ctx, e.client, e.wiki.BaseURL(), e.blacklist)
	e.sitemapMu.Unlock()
	if errE != nil {
		e.telemetry.Progress(StatusFatalError)
		e.telemetry.ErrorFatal(ErrKindMalformedSitemap, e.name, errE.Error())
		return errE
	}
	e.log.Info().Int("pages", len(remote)).Msg("sitemap resolved")

	e.removeDeletedPages(remote)

	e.telemetry.Preflight(len(remote))
	e.telemetry.Progress(StatusPagesMain)
	e.scanPages(ctx, remote)

	e.telemetry.Progress(StatusForumsMain)
	e.scanForums(ctx)

	e.telemetry.Progress(StatusFilesPending)
	e.processPendingFiles(ctx)

	e.telemetry.Progress(StatusPagesPending)
	e.retryPendingPages(ctx)
	e.processPendingRevisions(ctx)

	e.telemetry.Progress(StatusCompressing)
	e.compactAll(ctx)

	e.saveCookies()
	e.logSummary()
	return nil
}

func (e *SiteEngine) startDocuments() {
	for _, doc := range e.flushedDocuments() {
		doc.StartFlusher(e.flushInterval)
	}
}

func (e *SiteEngine) closeDocuments() {
	for _, doc := range e.flushedDocuments() {
		if errE := doc.Close(); errE != nil {
			e.log.Err(errE).Msg("closing durable document")
		}
	}
}

// durableDocument is the common surface of the generic documents, for
// start/stop plumbing.
type durableDocument interface {
	StartFlusher(time.Duration)
	Close() errors.E
}

// flushedDocuments lists the long-lived documents behind the timed flusher.
// Page and thread metadata are written directly instead; they are owned by a
// single task for the duration of its scan.
func (e *SiteEngine) flushedDocuments() []durableDocument {
	return []durableDocument{
		e.cookies, e.sitemap, e.pendingPages, e.pendingFiles, e.pendingRevs, e.fileMap, e.pageIDs,
	}
}

func (e *SiteEngine) saveCookies() {
	snapshot := e.client.Jar().Snapshot()
	e.cookies.Update(func(v *[]Cookie) {
		*v = snapshot
	})
}

// withRetries runs f up to three times with the retry pause in between.
// Cancellation and token-invalidation stop the attempts early; the token
// path has its own single-latch recovery inside the connector.
func (e *SiteEngine) withRetries(ctx context.Context, f func() errors.E) errors.E {
	var errE errors.E
	for attempt := 0; attempt < defaultScanRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.retryWait):
			case <-ctx.Done():
				return errE
			}
		}
		if errE = f(); errE == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(errE, errTokenInvalid) {
			return errE
		}
	}
	return errE
}

// startProgress reports done/postponed counts on a timer until the returned
// stop function runs.
func (e *SiteEngine) startProgress(ctx context.Context, status ProgressStatus, total int) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := x.NewTicker(ctx, &e.stats.pagesDone, 0, e.progressRate)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ticker.C {
			postponed := int(e.stats.pagesPostponed.Count())
			e.telemetry.ProgressCounts(status, int(p.Count), postponed)
			e.log.Info().
				Int64("done", p.Count).
				Int("postponed", postponed).
				Int("total", total).
				Msg("progress")
		}
	}()
	return func() {
		cancel()
		ticker.Stop()
		<-done
	}
}

// Path helpers. Page names go through normalizePageName so every layout
// path is a safe single component.

func (e *SiteEngine) pageMetaPath(name string) string {
	return filepath.Join(e.dir, "meta", "pages", normalizePageName(name)+".json")
}

func (e *SiteEngine) pageFolder(name string) string {
	return filepath.Join(e.dir, "pages", normalizePageName(name))
}

func (e *SiteEngine) pageArchive(name string) string {
	return filepath.Join(e.dir, "pages", normalizePageName(name)+sevenZipSuffix)
}

func (e *SiteEngine) pageFilesFolder(name string) string {
	return filepath.Join(e.dir, "files", normalizePageName(name))
}

func (e *SiteEngine) categoryMetaPath(categoryID int64) string {
	return filepath.Join(e.dir, "meta", "forum", "category", strconv.FormatInt(categoryID, 10)+".json")
}

func (e *SiteEngine) threadMetaPath(categoryID, threadID int64) string {
	return filepath.Join(e.dir, "meta", "forum",
		strconv.FormatInt(categoryID, 10), strconv.FormatInt(threadID, 10)+".json")
}

func (e *SiteEngine) threadFolder(categoryID, threadID int64) string {
	return filepath.Join(e.dir, "forum",
		strconv.FormatInt(categoryID, 10), strconv.FormatInt(threadID, 10))
}

func (e *SiteEngine) threadArchive(categoryID, threadID int64) string {
	return e.threadFolder(categoryID, threadID) + sevenZipSuffix
}

// readJSONFile loads one JSON document from disk.
func readJSONFile[T any](path string) (*T, errors.E) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, errors.WithStack(err)
	}
	return &value, nil
}

// writeJSONFile persists a document with the same formatting the durable
// documents use, so repeated runs produce identical bytes.
func writeJSONFile(path string, value any) errors.E {
	data, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		return errors.WithStack(err)
	}
	return atomicWriteFile(path, data)
}

// loadPageMeta returns the stored metadata for a page, nil when absent or
// written by an older schema version. Stale versions force a full refetch.
func (e *SiteEngine) loadPageMeta(name string) *PageMeta {
	meta, errE := readJSONFile[PageMeta](e.pageMetaPath(name))
	if errE != nil {
		return nil
	}
	if meta.Version != pageMetadataVersion {
		e.log.Debug().Str("page", name).Int("version", meta.Version).Msg("stale page metadata version")
		return nil
	}
	return meta
}

func (e *SiteEngine) savePageMeta(meta *PageMeta) errors.E {
	return writeJSONFile(e.pageMetaPath(meta.Name), meta)
}

// rebuildPageIDMap repopulates the id map from stored page metadata when the
// map document is missing or empty.
func (e *SiteEngine) rebuildPageIDMap() {
	empty := false
	e.pageIDs.View(func(v *PageIDMap) {
		empty = len(*v) == 0
	})
	if !empty {
		return
	}
	pagesDir := filepath.Join(e.dir, "meta", "pages")
	entries, err := os.ReadDir(pagesDir)
	if err != nil || len(entries) == 0 {
		return
	}
	rebuilt := make(PageIDMap, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		meta, errE := readJSONFile[PageMeta](filepath.Join(pagesDir, entry.Name()))
		if errE != nil || meta.PageID == 0 {
			continue
		}
		rebuilt[meta.PageID] = meta.Name
	}
	if len(rebuilt) == 0 {
		return
	}
	e.log.Info().Int("pages", len(rebuilt)).Msg("rebuilt page id map from metadata")
	e.pageIDs.Update(func(v *PageIDMap) {
		for id, name := range rebuilt {
			(*v)[id] = name
		}
	})
}

// removeDeletedPages drops every page present in the previous sitemap but
// absent from the new one, then replaces the stored sitemap.
func (e *SiteEngine) removeDeletedPages(remote SiteMap) {
	var stale []string
	e.sitemap.View(func(v *SiteMap) {
		for name := range *v {
			if _, ok := remote[name]; !ok {
				stale = append(stale, name)
			}
		}
	})
	sort.Strings(stale)
	for _, name := range stale {
		e.log.Info().Str("page", name).Msg("page gone from sitemap, removing")
		e.markPageRemoved(name)
	}
	e.sitemap.Update(func(v *SiteMap) {
		*v = make(SiteMap, len(remote))
		for name, lastmod := range remote {
			(*v)[name] = lastmod
		}
	})
}

// markPageRemoved unlinks everything stored for a page: metadata, the
// revision folder and archive, downloaded files, and its entries in the id
// map, file map and pending queues.
func (e *SiteEngine) markPageRemoved(name string) {
	var pageID int64
	if meta, errE := readJSONFile[PageMeta](e.pageMetaPath(name)); errE == nil {
		pageID = meta.PageID
	}
	e.pageIDs.Update(func(v *PageIDMap) {
		if pageID != 0 {
			delete(*v, pageID)
		}
		for id, mapped := range *v {
			if mapped == name {
				delete(*v, id)
			}
		}
	})
	if pageID != 0 {
		e.pendingRevs.Update(func(v *PendingRevisions) {
			for grev, owner := range *v {
				if owner == pageID {
					delete(*v, grev)
				}
			}
		})
	}

	filesPrefix := filepath.Join("files", normalizePageName(name)) + string(filepath.Separator)
	var droppedFiles []int64
	e.fileMap.Update(func(v *FileMap) {
		for id, entry := range *v {
			if strings.HasPrefix(entry.Path, filesPrefix) {
				droppedFiles = append(droppedFiles, id)
				delete(*v, id)
			}
		}
	})
	for _, id := range droppedFiles {
		e.dropFileRetry(id)
	}

	e.removePath(name, e.pageMetaPath(name))
	e.removePath(name, e.pageArchive(name))
	e.removeTree(name, e.pageFolder(name))
	e.removeTree(name, e.pageFilesFolder(name))
}

func (e *SiteEngine) removePath(name, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.log.Warn().Err(err).Str("path", path).Msg("could not remove")
		e.telemetry.ErrorNonfatal(ErrKindFileUnlink, name, err.Error())
	}
}

func (e *SiteEngine) removeTree(name, path string) {
	if err := os.RemoveAll(path); err != nil {
		e.log.Warn().Err(err).Str("path", path).Msg("could not remove")
		e.telemetry.ErrorNonfatal(ErrKindFileUnlink, name, err.Error())
	}
}

// compactPage archives a page's raw revision folder.
func (e *SiteEngine) compactPage(ctx context.Context, name string) {
	e.compactTarget(ctx, name, e.pageFolder(name), e.pageArchive(name))
}

// compactThread archives a thread's raw post folder.
func (e *SiteEngine) compactThread(ctx context.Context, categoryID, threadID int64) {
	e.compactTarget(ctx, strconv.FormatInt(threadID, 10),
		e.threadFolder(categoryID, threadID), e.threadArchive(categoryID, threadID))
}

func (e *SiteEngine) compactTarget(ctx context.Context, name, folder, archive string) {
	if e.archiver == nil {
		return
	}
	if errE := compactFolder(ctx, e.archiver, folder, archive); errE != nil {
		if errors.Is(errE, errUnlink) {
			e.telemetry.ErrorNonfatal(ErrKindFileUnlink, name, errE.Error())
		} else {
			e.telemetry.ErrorNonfatal(ErrKindWhatTheFuck, name, errE.Error())
		}
		e.log.Warn().Err(errE).Str("folder", folder).Msg("compaction failed")
		return
	}
	if fileExists(archive) {
		e.stats.archives.Increment()
		e.mirror.UploadArchive(ctx, e.name, e.dir, archive)
	}
}

// compactAll sweeps every page and thread folder that still holds raw
// files, archiving each. Runs after the pending phases so recovered work
// gets compacted in the same pass.
func (e *SiteEngine) compactAll(ctx context.Context) {
	if e.archiver == nil {
		e.log.Debug().Msg("no archiver available, leaving raw folders in place")
		return
	}
	targets := uncompactedFolders(filepath.Join(e.dir, "pages"), false)
	targets = append(targets, uncompactedFolders(filepath.Join(e.dir, "forum"), true)...)
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		name := filepath.Base(target.Folder)
		e.compactTarget(ctx, name, target.Folder, target.Archive)
	}
}

func (e *SiteEngine) logSummary() {
	var pendingPages, pendingFiles, pendingRevs int
	e.pendingPages.View(func(v *PendingPages) { pendingPages = len(*v) })
	e.pendingFiles.View(func(v *PendingFiles) { pendingFiles = len(*v) })
	e.pendingRevs.View(func(v *PendingRevisions) { pendingRevs = len(*v) })

	done := int(e.stats.pagesDone.Count())
	postponed := int(e.stats.pagesPostponed.Count())
	e.telemetry.ProgressCounts(StatusOther, done, postponed)
	e.log.Info().
		Int("pages", done).
		Int("postponed", postponed).
		Int64("revisions", e.stats.revisions.Count()).
		Int64("files", e.stats.files.Count()).
		Int64("threads", e.stats.threads.Count()).
		Int64("archives", e.stats.archives.Count()).
		Int("pending_pages", pendingPages).
		Int("pending_files", pendingFiles).
		Int("pending_revisions", pendingRevs).
		Int64("lockups", e.client.Lockups()).
		Msg("site run finished")
}
