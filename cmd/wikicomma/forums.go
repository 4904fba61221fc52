// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gitlab.com/tozd/go/errors"
)

var (
	categoryHrefPattern = regexp.MustCompile(`/forum/c-(\d+)`)
	threadHrefPattern   = regexp.MustCompile(`/forum/t-(\d+)`)
	postIDPattern       = regexp.MustCompile(`^post-(\d+)$`)
	showRevisionPattern = regexp.MustCompile(`showRevision\(\s*event\s*,\s*(\d+)\s*\)`)
)

// forumCategoryInfo is one row of the forum start page.
type forumCategoryInfo struct {
	ID          int64
	Title       string
	Description string
	Threads     int
	Posts       int
	Last        int64
	LastUser    string
}

// forumThreadInfo is one row of a category's thread listing.
type forumThreadInfo struct {
	ID          int64
	Title       string
	Description string
	Started     int64
	StartedUser string
	Last        int64
	LastUser    string
	Posts       int
	Sticky      bool
}

// parseForumCategories reads the forum start page, hidden categories
// included.
func parseForumCategories(doc *goquery.Document) []forumCategoryInfo {
	var categories []forumCategoryInfo
	doc.Find("td.name").Each(func(_ int, cell *goquery.Selection) {
		link := cell.Find("div.title a").First()
		href, _ := link.Attr("href")
		match := categoryHrefPattern.FindStringSubmatch(href)
		if match == nil {
			return
		}
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return
		}
		row := cell.Parent()
		category := forumCategoryInfo{
			ID:          id,
			Title:       strings.TrimSpace(link.Text()),
			Description: strings.TrimSpace(cell.Find("div.description").Text()),
			Threads:     atoiSafe(row.Find("td.threads").Text()),
			Posts:       atoiSafe(row.Find("td.posts").Text()),
		}
		last := row.Find("td.last")
		category.LastUser, _ = parsePrintuser(last.Find("span.printuser").First())
		category.Last = parseOdate(last.Find("span.odate").First())
		categories = append(categories, category)
	})
	return categories
}

// parseForumThreads reads one page of a category listing.
func parseForumThreads(doc *goquery.Document) []forumThreadInfo {
	var threads []forumThreadInfo
	doc.Find("td.name").Each(func(_ int, cell *goquery.Selection) {
		link := cell.Find("div.title a").First()
		href, _ := link.Attr("href")
		match := threadHrefPattern.FindStringSubmatch(href)
		if match == nil {
			return
		}
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return
		}
		row := cell.Parent()
		thread := forumThreadInfo{
			ID:          id,
			Title:       strings.TrimSpace(link.Text()),
			Description: strings.TrimSpace(cell.Find("div.description").Text()),
			Posts:       atoiSafe(row.Find("td.posts").Text()),
			Sticky:      row.HasClass("sticky"),
		}
		started := row.Find("td.started")
		thread.StartedUser, _ = parsePrintuser(started.Find("span.printuser").First())
		thread.Started = parseOdate(started.Find("span.odate").First())
		last := row.Find("td.last")
		thread.LastUser, _ = parsePrintuser(last.Find("span.printuser").First())
		thread.Last = parseOdate(last.Find("span.odate").First())
		threads = append(threads, thread)
	})
	return threads
}

// parseThreadPosts builds the post tree out of a ForumViewThreadPostsModule
// fragment. Post bodies are returned separately keyed by post id; they are
// written to disk, not kept in thread metadata.
func parseThreadPosts(doc *goquery.Document) ([]*LocalForumPost, map[int64]string) {
	contents := make(map[int64]string)
	var parseContainer func(container *goquery.Selection) *LocalForumPost
	parseContainer = func(container *goquery.Selection) *LocalForumPost {
		postDiv := container.ChildrenFiltered("div.post").First()
		if postDiv.Length() == 0 {
			return nil
		}
		id, _ := postDiv.Attr("id")
		match := postIDPattern.FindStringSubmatch(id)
		if match == nil {
			return nil
		}
		postID, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil
		}
		post := &LocalForumPost{
			ID:        postID,
			Title:     strings.TrimSpace(postDiv.Find("div.head div.title").First().Text()),
			Revisions: []LocalPostRevision{},
			Children:  []*LocalForumPost{},
		}
		info := postDiv.Find("div.head div.info").First()
		post.Poster, _ = parsePrintuser(info.Find("span.printuser").First())
		post.Stamp = parseOdate(info.Find("span.odate").First())

		changes := postDiv.Find("div.changes").First()
		if changes.Length() > 0 {
			post.LastEdit = parseOdate(changes.Find("span.odate").First())
			post.LastEditBy, _ = parsePrintuser(changes.Find("span.printuser").First())
		}

		if content, err := postDiv.Find("div.content").First().Html(); err == nil {
			contents[postID] = strings.TrimSpace(content)
		}

		container.ChildrenFiltered("div.post-container").Each(func(_ int, child *goquery.Selection) {
			if childPost := parseContainer(child); childPost != nil {
				post.Children = append(post.Children, childPost)
			}
		})
		return post
	}

	posts := []*LocalForumPost{}
	doc.Find("div.post-container").Each(func(_ int, container *goquery.Selection) {
		// Only roots here; nested containers are handled by recursion.
		if container.ParentsFiltered("div.post-container").Length() > 0 {
			return
		}
		if post := parseContainer(container); post != nil {
			posts = append(posts, post)
		}
	})
	return posts, contents
}

// parsePostRevisions reads the revision table of a single post.
func parsePostRevisions(doc *goquery.Document) []LocalPostRevision {
	revisions := []LocalPostRevision{}
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		var id int64
		found := false
		row.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			onclick, _ := a.Attr("onclick")
			if match := showRevisionPattern.FindStringSubmatch(onclick); match != nil {
				if parsed, err := strconv.ParseInt(match[1], 10, 64); err == nil {
					id = parsed
					found = true
					return false
				}
			}
			return true
		})
		if !found {
			return
		}
		revision := LocalPostRevision{ID: id}
		revision.Author, _ = parsePrintuser(row.Find("span.printuser").First())
		revision.Stamp = parseOdate(row.Find("span.odate").First())
		revision.Title = strings.TrimSpace(row.Find("td").Last().Text())
		revisions = append(revisions, revision)
	})
	return revisions
}

// parsePagerMax finds the highest page number offered by a pager, 1 when
// there is none.
func parsePagerMax(doc *goquery.Document) int {
	max := 1
	doc.Find("div.pager span.target a").Each(func(_ int, a *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(a.Text())); err == nil && n > max {
			max = n
		}
	})
	return max
}

func atoiSafe(text string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(text))
	return n
}

// ForumCategories fetches the category listing, treating hidden categories
// as visible.
func (w *Connector) ForumCategories(ctx context.Context) ([]forumCategoryInfo, errors.E) {
	doc, errE := w.GetHTML(ctx, "/forum/start/hidden/show")
	if errE != nil {
		return nil, errE
	}
	return parseForumCategories(doc), nil
}

// ForumCategoryPage fetches one page of a category's thread listing and the
// total page count.
func (w *Connector) ForumCategoryPage(ctx context.Context, categoryID int64, page int) ([]forumThreadInfo, int, errors.E) {
	doc, errE := w.GetHTML(ctx, fmt.Sprintf("/forum/c-%d/p/%d", categoryID, page))
	if errE != nil {
		return nil, 0, errE
	}
	return parseForumThreads(doc), parsePagerMax(doc), nil
}

// ThreadPostsPage fetches one page of a thread's posts.
func (w *Connector) ThreadPostsPage(ctx context.Context, threadID int64, pageNo int) ([]*LocalForumPost, map[int64]string, int, errors.E) {
	resp, errE := w.Module(ctx, moduleForumThreadPosts, map[string]string{
		"t":      strconv.FormatInt(threadID, 10),
		"pageNo": strconv.Itoa(pageNo),
	})
	if errE != nil {
		return nil, nil, 0, errE
	}
	doc, errE := parseFragment(resp.Body)
	if errE != nil {
		return nil, nil, 0, errE
	}
	posts, contents := parseThreadPosts(doc)
	return posts, contents, parsePagerMax(doc), nil
}

// ThreadLocked probes the reply form: a thread that refuses the form is
// locked.
func (w *Connector) ThreadLocked(ctx context.Context, threadID int64) (bool, errors.E) {
	resp, errE := w.ModuleSoft(ctx, moduleForumNewPostForm, map[string]string{
		"threadId": strconv.FormatInt(threadID, 10),
	})
	if errE != nil {
		return false, errE
	}
	return !resp.Ok(), nil
}

// PostRevisions fetches the edit history listing of one post.
func (w *Connector) PostRevisions(ctx context.Context, postID int64) ([]LocalPostRevision, errors.E) {
	resp, errE := w.Module(ctx, modulePostRevisions, map[string]string{
		"postId": strconv.FormatInt(postID, 10),
	})
	if errE != nil {
		return nil, errE
	}
	doc, errE := parseFragment(resp.Body)
	if errE != nil {
		return nil, errE
	}
	return parsePostRevisions(doc), nil
}

// PostRevisionBody fetches the HTML body of one post revision.
func (w *Connector) PostRevisionBody(ctx context.Context, revisionID int64) (string, errors.E) {
	resp, errE := w.Module(ctx, modulePostRevision, map[string]string{
		"revisionId": strconv.FormatInt(revisionID, 10),
	})
	if errE != nil {
		return "", errE
	}
	return resp.Body, nil
}
