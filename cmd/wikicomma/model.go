// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"

	"gitlab.com/tozd/go/errors"
)

// Schema versions of the durable documents. Bumping one forces a full
// refetch of the affected entities on their next encounter.
const (
	pageMetadataVersion     = 8
	threadMetadataVersion   = 2
	categoryMetadataVersion = 2
	fileInternalVersion     = 1
)

// PageRevision is one row of a page's history listing. Revision is the
// per-page counter; GlobalRevision is the site-wide id the body is fetched
// by. Author is null when the remote shows an anonymous or deleted account.
type PageRevision struct {
	Revision       int    `json:"revision"`
	GlobalRevision int64  `json:"global_revision"`
	Author         *int64 `json:"author"`
	Stamp          int64  `json:"stamp,omitempty"`
	Flags          string `json:"flags,omitempty"`
	Commentary     string `json:"commentary,omitempty"`
}

// FileMeta describes one file attached to a page. Size is the human-readable
// string the remote displays; SizeBytes is exact.
type FileMeta struct {
	FileID          int64  `json:"file_id"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	Size            string `json:"size"`
	SizeBytes       int64  `json:"size_bytes"`
	Mime            string `json:"mime"`
	ContentType     string `json:"content-type"`
	Author          *int64 `json:"author"`
	Stamp           int64  `json:"stamp"`
	InternalVersion int    `json:"internal_version"`
}

// Voting is one (voter, vote) pair, serialised as a two-element tuple. The
// remote occasionally reports votes with no resolvable account; those keep a
// null voter rather than being dropped.
type Voting struct {
	UserID *int64
	Vote   bool
}

func (v Voting) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{v.UserID, v.Vote})
}

func (v *Voting) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return errors.WithStack(err)
	}
	if len(tuple) != 2 {
		return errors.Errorf("voting tuple has %d elements, want 2", len(tuple))
	}
	v.UserID = nil
	if string(tuple[0]) != "null" {
		var id int64
		if err := json.Unmarshal(tuple[0], &id); err != nil {
			return errors.WithStack(err)
		}
		v.UserID = &id
	}
	if err := json.Unmarshal(tuple[1], &v.Vote); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// PageMeta is the durable record of one wiki page.
type PageMeta struct {
	Name          string         `json:"name"`
	PageID        int64          `json:"page_id"`
	Rating        *int           `json:"rating,omitempty"`
	Version       int            `json:"version"`
	ForumThread   *int64         `json:"forum_thread,omitempty"`
	Tags          []string       `json:"tags"`
	Title         string         `json:"title,omitempty"`
	Parent        string         `json:"parent,omitempty"`
	IsLocked      bool           `json:"is_locked,omitempty"`
	SitemapUpdate int64          `json:"sitemap_update,omitempty"`
	Revisions     []PageRevision `json:"revisions"`
	Files         []FileMeta     `json:"files"`
	Votings       []Voting       `json:"votings"`
}

func newPageMeta(name string) PageMeta {
	return PageMeta{
		Name:      name,
		Version:   pageMetadataVersion,
		Tags:      []string{},
		Revisions: []PageRevision{},
		Files:     []FileMeta{},
		Votings:   []Voting{},
	}
}

// MaxRevision returns the highest local revision counter, -1 when none.
func (m *PageMeta) MaxRevision() int {
	max := -1
	for _, rev := range m.Revisions {
		if rev.Revision > max {
			max = rev.Revision
		}
	}
	return max
}

// HasGlobalRevision reports whether a site-wide revision id is recorded.
func (m *PageMeta) HasGlobalRevision(id int64) bool {
	for _, rev := range m.Revisions {
		if rev.GlobalRevision == id {
			return true
		}
	}
	return false
}

// RevisionByGlobal finds the recorded revision with the given site-wide id.
func (m *PageMeta) RevisionByGlobal(id int64) (PageRevision, bool) {
	for _, rev := range m.Revisions {
		if rev.GlobalRevision == id {
			return rev, true
		}
	}
	return PageRevision{}, false
}

// CheckRevisionOrder verifies the newest-first invariant: strictly
// decreasing revision counters and unique global ids.
func (m *PageMeta) CheckRevisionOrder() errors.E {
	seen := make(map[int64]bool, len(m.Revisions))
	for i, rev := range m.Revisions {
		if i > 0 && rev.Revision >= m.Revisions[i-1].Revision {
			return errors.Errorf("revision %d at index %d not strictly decreasing", rev.Revision, i)
		}
		if seen[rev.GlobalRevision] {
			return errors.Errorf("duplicate global revision %d", rev.GlobalRevision)
		}
		seen[rev.GlobalRevision] = true
	}
	return nil
}

// ForumCategory is the durable record of one forum category.
type ForumCategory struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Posts       int    `json:"posts"`
	Threads     int    `json:"threads"`
	Last        int64  `json:"last,omitempty"`
	LastUser    string `json:"lastUser"`
	FullScan    bool   `json:"full_scan"`
	LastPage    int    `json:"last_page"`
	Version     int    `json:"version"`
}

// ForumThread is the durable record of one thread, posts included. Posts
// form a tree through Children.
type ForumThread struct {
	ID          int64             `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Started     int64             `json:"started"`
	StartedUser string            `json:"startedUser"`
	Last        int64             `json:"last,omitempty"`
	LastUser    string            `json:"lastUser,omitempty"`
	PostsNum    int               `json:"postsNum"`
	Sticky      bool              `json:"sticky"`
	IsLocked    bool              `json:"isLocked"`
	Version     int               `json:"version"`
	Posts       []*LocalForumPost `json:"posts"`
}

// CountPosts walks the post tree and returns the total number of posts.
func (t *ForumThread) CountPosts() int {
	count := 0
	var walk func(posts []*LocalForumPost)
	walk = func(posts []*LocalForumPost) {
		for _, post := range posts {
			count++
			walk(post.Children)
		}
	}
	walk(t.Posts)
	return count
}

// EachPost visits every post in the tree, parents before children.
func (t *ForumThread) EachPost(visit func(*LocalForumPost)) {
	var walk func(posts []*LocalForumPost)
	walk = func(posts []*LocalForumPost) {
		for _, post := range posts {
			visit(post)
			walk(post.Children)
		}
	}
	walk(t.Posts)
}

// FindPost locates a post by id anywhere in the tree.
func (t *ForumThread) FindPost(id int64) *LocalForumPost {
	var found *LocalForumPost
	t.EachPost(func(post *LocalForumPost) {
		if post.ID == id {
			found = post
		}
	})
	return found
}

// LocalForumPost is one post inside a thread.
type LocalForumPost struct {
	ID         int64               `json:"id"`
	Title      string              `json:"title"`
	Poster     string              `json:"poster"`
	Stamp      int64               `json:"stamp"`
	LastEdit   int64               `json:"lastEdit,omitempty"`
	LastEditBy string              `json:"lastEditBy,omitempty"`
	Revisions  []LocalPostRevision `json:"revisions"`
	Children   []*LocalForumPost   `json:"children"`
}

// LocalPostRevision is one entry of a post's edit history; its body lives on
// disk next to the thread metadata.
type LocalPostRevision struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Stamp  int64  `json:"stamp"`
	Title  string `json:"title"`
}

// UserActivity is the remote's coarse activity classification.
type UserActivity string

const (
	ActivityNone     UserActivity = "NONE"
	ActivityLow      UserActivity = "LOW"
	ActivityMedium   UserActivity = "MEDIUM"
	ActivityHigh     UserActivity = "HIGH"
	ActivityVeryHigh UserActivity = "VERY_HIGH"
	ActivityGuru     UserActivity = "GURU"
	ActivityUnknown  UserActivity = "UNKNOWN"
)

// User is one archived profile.
type User struct {
	UserID           int64        `json:"user_id"`
	Username         string       `json:"username"`
	FullName         string       `json:"full_name"`
	RealName         string       `json:"real_name,omitempty"`
	Gender           string       `json:"gender,omitempty"`
	Birthday         string       `json:"birthday,omitempty"`
	From             string       `json:"from,omitempty"`
	Website          string       `json:"website,omitempty"`
	WikidotUserSince int64        `json:"wikidot_user_since"`
	Bio              string       `json:"bio,omitempty"`
	AccountType      string       `json:"account_type,omitempty"`
	Activity         UserActivity `json:"activity"`
	FetchedAt        int64        `json:"fetched_at"`
}

// FileMapEntry records where a downloaded file lives relative to the wiki
// root and where it came from.
type FileMapEntry struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Durable collection documents. Integer-keyed maps serialise with decimal
// string keys, matching the on-disk format.
type (
	SiteMap          = map[string]int64       // page name -> sitemap lastmod, epoch ms
	PendingPages     = []string               // page names to retry
	PendingFiles     = []int64                // file ids to retry
	PendingRevisions = map[int64]int64        // global revision -> page id
	FileMap          = map[int64]FileMapEntry // file id -> location
	PageIDMap        = map[int64]string       // page id -> current name
)
