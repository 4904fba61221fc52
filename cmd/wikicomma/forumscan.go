// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// scanForums refreshes all forum categories and their threads. A failing
// category listing is tolerated; the wiki may simply have no forum.
func (e *SiteEngine) scanForums(ctx context.Context) {
	var categories []forumCategoryInfo
	errE := e.withRetries(ctx, func() errors.E {
		var errE errors.E
		categories, errE = e.wiki.ForumCategories(ctx)
		return errE
	})
	if errE != nil {
		e.log.Warn().Err(errE).Msg("forum category listing failed")
		e.telemetry.ErrorNonfatal(ErrKindForumListFetch, e.name, errE.Error())
		return
	}
	if len(categories) == 0 {
		return
	}
	e.log.Info().Int("categories", len(categories)).Msg("scanning forums")
	for _, category := range categories {
		if ctx.Err() != nil {
			return
		}
		e.scanCategory(ctx, category)
	}
}

// scanCategory pages through one category's thread listing. An interrupted
// scan records the page it reached so the next run resumes there instead of
// starting over; a completed one starts from page 1 again, where the newest
// activity sorts.
func (e *SiteEngine) scanCategory(ctx context.Context, info forumCategoryInfo) {
	log := e.log.With().Int64("category", info.ID).Logger()
	existing, errE := readJSONFile[ForumCategory](e.categoryMetaPath(info.ID))
	if errE != nil {
		log.Warn().Err(errE).Msg("unreadable category metadata, rescanning")
		existing = nil
	}
	if existing != nil && existing.Version == categoryMetadataVersion &&
		existing.FullScan && existing.Last == info.Last {
		log.Debug().Msg("category unchanged")
		return
	}

	record := ForumCategory{
		ID:          info.ID,
		Title:       info.Title,
		Description: info.Description,
		Posts:       info.Posts,
		Threads:     info.Threads,
		Last:        info.Last,
		LastUser:    info.LastUser,
		Version:     categoryMetadataVersion,
	}
	page := 1
	if existing != nil && !existing.FullScan && existing.LastPage > 1 {
		page = existing.LastPage
		log.Info().Int("page", page).Msg("resuming interrupted category scan")
	}
	record.LastPage = page

	maxPage := page
	complete := true
	for page <= maxPage {
		if ctx.Err() != nil {
			complete = false
			break
		}
		var threads []forumThreadInfo
		var pagerMax int
		errE := e.withRetries(ctx, func() errors.E {
			var errE errors.E
			threads, pagerMax, errE = e.wiki.ForumCategoryPage(ctx, info.ID, page)
			return errE
		})
		if errE != nil {
			log.Warn().Err(errE).Int("page", page).Msg("category page fetch failed")
			e.telemetry.ErrorNonfatal(ErrKindForumListFetch, strconv.FormatInt(info.ID, 10), errE.Error())
			complete = false
			break
		}
		if pagerMax > maxPage {
			maxPage = pagerMax
		}
		for _, thread := range threads {
			if ctx.Err() != nil {
				break
			}
			e.scanThread(ctx, info.ID, thread)
		}
		record.LastPage = page
		page++
	}
	if ctx.Err() != nil {
		complete = false
	}
	record.FullScan = complete

	if errE := writeJSONFile(e.categoryMetaPath(info.ID), &record); errE != nil {
		log.Err(errE).Msg("saving category metadata")
	}
}

// scanThread refetches one thread when its listing row disagrees with the
// local copy. The whole post tree is rebuilt from the remote; revision
// bodies already on disk (recorded in the previous copy) are not refetched.
func (e *SiteEngine) scanThread(ctx context.Context, categoryID int64, info forumThreadInfo) {
	log := e.log.With().Int64("category", categoryID).Int64("thread", info.ID).Logger()
	local, errE := readJSONFile[ForumThread](e.threadMetaPath(categoryID, info.ID))
	if errE != nil {
		log.Warn().Err(errE).Msg("unreadable thread metadata, refetching")
		local = nil
	}
	if local != nil && local.Version == threadMetadataVersion &&
		local.Last == info.Last && local.CountPosts() == info.Posts {
		return
	}

	thread := ForumThread{
		ID:          info.ID,
		Title:       info.Title,
		Description: info.Description,
		Started:     info.Started,
		StartedUser: info.StartedUser,
		Last:        info.Last,
		LastUser:    info.LastUser,
		PostsNum:    info.Posts,
		Sticky:      info.Sticky,
		Version:     threadMetadataVersion,
		Posts:       []*LocalForumPost{},
	}

	contents := make(map[int64]string)
	page := 1
	maxPage := 1
	for page <= maxPage {
		var posts []*LocalForumPost
		var pageContents map[int64]string
		var pagerMax int
		errE := e.withRetries(ctx, func() errors.E {
			var errE errors.E
			posts, pageContents, pagerMax, errE = e.wiki.ThreadPostsPage(ctx, info.ID, page)
			return errE
		})
		if errE != nil {
			log.Warn().Err(errE).Int("page", page).Msg("thread posts fetch failed, keeping local copy")
			e.telemetry.ErrorNonfatal(ErrKindForumPostFetch, strconv.FormatInt(info.ID, 10), errE.Error())
			return
		}
		thread.Posts = append(thread.Posts, posts...)
		for id, body := range pageContents {
			contents[id] = body
		}
		if pagerMax > maxPage {
			maxPage = pagerMax
		}
		page++
	}

	if got := thread.CountPosts(); got != info.Posts {
		log.Warn().Int("got", got).Int("listed", info.Posts).Msg("post count mismatch")
		e.telemetry.ErrorNonfatal(ErrKindForumCountMismatch, strconv.FormatInt(info.ID, 10),
			fmt.Sprintf("fetched %d posts, listing said %d", got, info.Posts))
	}

	var locked bool
	errE = e.withRetries(ctx, func() errors.E {
		var errE errors.E
		locked, errE = e.wiki.ThreadLocked(ctx, info.ID)
		return errE
	})
	if errE != nil {
		log.Warn().Err(errE).Msg("thread lock status fetch failed")
		e.telemetry.ErrorNonfatal(ErrKindLockStatusFetch, strconv.FormatInt(info.ID, 10), errE.Error())
		if local != nil {
			thread.IsLocked = local.IsLocked
		}
	} else {
		thread.IsLocked = locked
	}

	folder := e.threadFolder(categoryID, info.ID)
	wrote := false
	posters := make(map[string]bool)
	posters[info.StartedUser] = true
	posters[info.LastUser] = true
	thread.EachPost(func(post *LocalForumPost) {
		posters[post.Poster] = true
		posters[post.LastEditBy] = true
		var prev *LocalForumPost
		if local != nil {
			prev = local.FindPost(post.ID)
		}
		if e.refreshPost(ctx, log, folder, post, prev, contents) {
			wrote = true
		}
	})

	if errE := writeJSONFile(e.threadMetaPath(categoryID, info.ID), &thread); errE != nil {
		log.Err(errE).Msg("saving thread metadata")
	}
	e.stats.threads.Increment()
	if wrote {
		e.compactThread(ctx, categoryID, info.ID)
	}
	e.resolveUsers(ctx, posters)
}

// refreshPost writes the post's body files: latest.html when the post is new
// or its edit marker moved, and one <revision id>.html per history entry not
// yet on disk. Reports whether anything was written.
func (e *SiteEngine) refreshPost(ctx context.Context, log zerolog.Logger, folder string, post, prev *LocalForumPost, contents map[int64]string) bool {
	postDir := filepath.Join(folder, strconv.FormatInt(post.ID, 10))
	wrote := false

	if body, ok := contents[post.ID]; ok {
		if prev == nil || prev.LastEdit != post.LastEdit {
			if errW := atomicWriteFile(filepath.Join(postDir, "latest.html"), []byte(body)); errW != nil {
				log.Warn().Err(errW).Int64("post", post.ID).Msg("writing post body")
			} else {
				wrote = true
			}
		}
	}

	if prev != nil && len(prev.Revisions) > 0 {
		post.Revisions = prev.Revisions
	}
	if post.LastEdit == 0 {
		return wrote
	}

	var fetched []LocalPostRevision
	errE := e.withRetries(ctx, func() errors.E {
		var errE errors.E
		fetched, errE = e.wiki.PostRevisions(ctx, post.ID)
		return errE
	})
	if errE != nil {
		log.Warn().Err(errE).Int64("post", post.ID).Msg("post revision listing failed")
		e.telemetry.ErrorNonfatal(ErrKindForumPostFetch, strconv.FormatInt(post.ID, 10), errE.Error())
		return wrote
	}

	known := make(map[int64]bool)
	if prev != nil {
		for _, rev := range prev.Revisions {
			known[rev.ID] = true
		}
	}
	kept := make([]LocalPostRevision, 0, len(fetched))
	for _, rev := range fetched {
		if known[rev.ID] {
			kept = append(kept, rev)
			continue
		}
		var body string
		errE := e.withRetries(ctx, func() errors.E {
			var errE errors.E
			body, errE = e.wiki.PostRevisionBody(ctx, rev.ID)
			return errE
		})
		if errE == nil {
			path := filepath.Join(postDir, strconv.FormatInt(rev.ID, 10)+".html")
			if errW := atomicWriteFile(path, []byte(body)); errW != nil {
				errE = errW
			}
		}
		if errE != nil {
			log.Warn().Err(errE).Int64("post", post.ID).Int64("revision", rev.ID).Msg("post revision body failed")
			e.telemetry.ErrorNonfatal(ErrKindForumPostFetch, strconv.FormatInt(post.ID, 10), errE.Error())
			continue
		}
		kept = append(kept, rev)
		wrote = true
	}
	post.Revisions = kept
	return wrote
}

// resolveUsers archives the profiles of users seen during a scan. The
// resolver caches aggressively and queues transient failures itself, so a
// failure here is only worth a debug line.
func (e *SiteEngine) resolveUsers(ctx context.Context, names map[string]bool) {
	for name := range names {
		if name == "" || ctx.Err() != nil {
			continue
		}
		if _, errE := e.users.Resolve(ctx, nil, name); errE != nil && !errors.Is(errE, errUserDoesNotExist) {
			e.log.Debug().Err(errE).Str("user", name).Msg("user profile not resolved")
		}
	}
}
