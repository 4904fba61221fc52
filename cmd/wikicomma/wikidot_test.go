// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// The fake remote used across connector and engine tests. It speaks just
// enough of the platform protocol: the token cookie dance, the ajax module
// connector, rendered page views, sitemaps, forum listings, user profiles
// and raw file downloads, all backed by in-memory records that tests mutate
// between runs.

type fakeRevision struct {
	Revision int
	Global   int64
	AuthorID int64 // 0 renders an anonymous printuser
	Stamp    int64
	Comment  string
	Source   string
}

type fakeVote struct {
	UserID int64
	Up     bool
}

type fakeFile struct {
	ID    int64
	Name  string
	Mime  string
	Bytes []byte
}

type fakePage struct {
	ID        int64
	Title     string
	Tags      []string
	Parent    string
	ThreadID  int64
	Rating    int
	Locked    bool
	Lastmod   int64 // unix seconds; zero omits the sitemap lastmod
	Revisions []fakeRevision // newest first, like the remote serves them
	Files     []fakeFile
	Votes     []fakeVote
}

type fakePostRevision struct {
	ID     int64
	Author string
	Stamp  int64
	Title  string
	Body   string
}

type fakePost struct {
	ID        int64
	Title     string
	Poster    string
	Stamp     int64
	LastEdit  int64
	EditedBy  string
	Body      string
	Revisions []fakePostRevision
	Children  []*fakePost
}

type fakeThread struct {
	ID          int64
	Title       string
	Description string
	Started     int64
	Starter     string
	Last        int64
	LastUser    string
	Sticky      bool
	Locked      bool
	Posts       []*fakePost
}

func (t *fakeThread) countPosts() int {
	count := 0
	var walk func(posts []*fakePost)
	walk = func(posts []*fakePost) {
		for _, post := range posts {
			count++
			walk(post.Children)
		}
	}
	walk(t.Posts)
	return count
}

type fakeCategory struct {
	ID          int64
	Title       string
	Description string
	Last        int64
	LastUser    string
	Threads     []*fakeThread
}

type fakeUser struct {
	ID   int64
	Name string
}

type fakeWiki struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	token         string
	tokenFetches  int
	rejects       int           // pending wrong_token7 answers
	rejectBarrier chan struct{} // closed once the last reject is handed out
	pages         map[string]*fakePage
	categories    []*fakeCategory
	users         map[string]fakeUser // unix username form
	brokenPages   map[string]bool     // page views answering 500
	brokenSources map[int64]bool      // revision sources answering 500
	brokenFiles   map[int64]bool      // file downloads answering 500
	moduleHook    func(module string, form url.Values) *ModuleResponse
}

func newFakeWiki(t *testing.T) *fakeWiki {
	t.Helper()
	w := &fakeWiki{
		t:             t,
		pages:         map[string]*fakePage{},
		users:         map[string]fakeUser{},
		brokenPages:   map[string]bool{},
		brokenSources: map[int64]bool{},
		brokenFiles:   map[int64]bool{},
	}
	w.server = httptest.NewServer(http.HandlerFunc(w.handle))
	t.Cleanup(w.server.Close)
	return w
}

func (w *fakeWiki) URL() string { return w.server.URL }

func (w *fakeWiki) addPage(name string, p *fakePage) *fakePage {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[name] = p
	return p
}

func (w *fakeWiki) removePage(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pages, name)
}

func (w *fakeWiki) addUser(u fakeUser) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[unixUsername(u.Name)] = u
}

func (w *fakeWiki) addCategory(c *fakeCategory) *fakeCategory {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.categories = append(w.categories, c)
	return c
}

// setRejects makes the next n module calls answer wrong_token7. The answers
// are released together once all n calls have arrived, so concurrent callers
// observe the rejection of the same token.
func (w *fakeWiki) setRejects(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejects = n
	w.rejectBarrier = make(chan struct{})
}

func (w *fakeWiki) setBrokenPage(name string, broken bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.brokenPages[name] = broken
}

func (w *fakeWiki) setBrokenSource(global int64, broken bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.brokenSources[global] = broken
}

func (w *fakeWiki) setBrokenFile(id int64, broken bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.brokenFiles[id] = broken
}

func (w *fakeWiki) tokenFetchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokenFetches
}

func (w *fakeWiki) handle(rw http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/ajax-module-connector.php":
		w.handleModule(rw, r)
	case path == "/system:recent-changes":
		w.mu.Lock()
		w.tokenFetches++
		w.token = fmt.Sprintf("seed-%d", w.tokenFetches)
		token := w.token
		w.mu.Unlock()
		http.SetCookie(rw, &http.Cookie{Name: tokenCookieName, Value: token, Path: "/"})
		fmt.Fprint(rw, "<html><body>recent changes</body></html>")
	case path == "/sitemap.xml":
		rw.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(rw, w.renderSitemap())
	case path == "/forum/start/hidden/show":
		fmt.Fprint(rw, w.renderForumStart())
	case strings.HasPrefix(path, "/forum/c-"):
		fmt.Fprint(rw, w.renderCategoryPage(strings.TrimPrefix(path, "/forum/")))
	case strings.HasPrefix(path, "/user:info/"):
		w.handleUserInfo(rw, strings.TrimPrefix(path, "/user:info/"))
	case strings.HasPrefix(path, "/local--files/"):
		w.handleFileDownload(rw, strings.TrimPrefix(path, "/local--files/"))
	case strings.HasSuffix(path, "/noredirect/true"):
		w.handlePageView(rw, strings.Trim(strings.TrimSuffix(path, "/noredirect/true"), "/"))
	default:
		http.NotFound(rw, r)
	}
}

func (w *fakeWiki) handleModule(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	module := r.PostForm.Get("moduleName")

	w.mu.Lock()
	cookie, err := r.Cookie(tokenCookieName)
	badToken := err != nil || cookie.Value == "" || cookie.Value != r.PostForm.Get(tokenCookieName) || cookie.Value != w.token
	var barrier chan struct{}
	if w.rejects > 0 {
		w.rejects--
		badToken = true
		barrier = w.rejectBarrier
		if w.rejects == 0 && barrier != nil {
			close(barrier)
		}
	}
	hook := w.moduleHook
	w.mu.Unlock()

	if badToken {
		if barrier != nil {
			<-barrier
		}
		writeModule(rw, ModuleResponse{Status: "wrong_token7"})
		return
	}
	if hook != nil {
		if resp := hook(module, r.PostForm); resp != nil {
			writeModule(rw, *resp)
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch module {
	case moduleRevisionList:
		w.moduleRevisionList(rw, r.PostForm)
	case modulePageSource:
		w.modulePageSource(rw, r.PostForm)
	case moduleWhoRated:
		page := w.pageByID(r.PostForm.Get("pageId"))
		if page == nil {
			writeModule(rw, ModuleResponse{Status: "no_page"})
			return
		}
		writeModule(rw, ModuleResponse{Status: "ok", Body: renderVotes(page.Votes)})
	case modulePageEdit:
		page := w.pageByID(r.PostForm.Get("page_id"))
		if page == nil {
			writeModule(rw, ModuleResponse{Status: "no_page"})
			return
		}
		writeModule(rw, ModuleResponse{Status: "ok", Locked: page.Locked, Body: "<div>edit</div>"})
	case modulePageFiles:
		page := w.pageByID(r.PostForm.Get("page_id"))
		if page == nil {
			writeModule(rw, ModuleResponse{Status: "no_page"})
			return
		}
		writeModule(rw, ModuleResponse{Status: "ok", Body: w.renderFileRows(page)})
	case moduleFileInformation:
		w.moduleFileInformation(rw, r.PostForm)
	case moduleForumThreadPosts:
		thread := w.threadByID(r.PostForm.Get("t"))
		if thread == nil {
			writeModule(rw, ModuleResponse{Status: "no_thread"})
			return
		}
		writeModule(rw, ModuleResponse{Status: "ok", Body: renderThreadPosts(thread)})
	case moduleForumNewPostForm:
		thread := w.threadByID(r.PostForm.Get("threadId"))
		if thread == nil || thread.Locked {
			writeModule(rw, ModuleResponse{Status: "no_permission"})
			return
		}
		writeModule(rw, ModuleResponse{Status: "ok", Body: "<form></form>"})
	case modulePostRevisions:
		post := w.postByID(r.PostForm.Get("postId"))
		if post == nil {
			writeModule(rw, ModuleResponse{Status: "no_post"})
			return
		}
		writeModule(rw, ModuleResponse{Status: "ok", Body: renderPostRevisions(post.Revisions)})
	case modulePostRevision:
		revID, _ := strconv.ParseInt(r.PostForm.Get("revisionId"), 10, 64)
		for _, rev := range w.allPostRevisions() {
			if rev.ID == revID {
				writeModule(rw, ModuleResponse{Status: "ok", Body: rev.Body})
				return
			}
		}
		writeModule(rw, ModuleResponse{Status: "no_revision"})
	default:
		writeModule(rw, ModuleResponse{Status: "no_module", Message: module})
	}
}

func writeModule(rw http.ResponseWriter, resp ModuleResponse) {
	rw.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(resp)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Write(data)
}

// Callers hold w.mu.
func (w *fakeWiki) pageByID(raw string) *fakePage {
	id, _ := strconv.ParseInt(raw, 10, 64)
	for _, page := range w.pages {
		if page.ID == id {
			return page
		}
	}
	return nil
}

func (w *fakeWiki) threadByID(raw string) *fakeThread {
	id, _ := strconv.ParseInt(raw, 10, 64)
	for _, category := range w.categories {
		for _, thread := range category.Threads {
			if thread.ID == id {
				return thread
			}
		}
	}
	return nil
}

func (w *fakeWiki) postByID(raw string) *fakePost {
	id, _ := strconv.ParseInt(raw, 10, 64)
	var found *fakePost
	for _, category := range w.categories {
		for _, thread := range category.Threads {
			var walk func(posts []*fakePost)
			walk = func(posts []*fakePost) {
				for _, post := range posts {
					if post.ID == id {
						found = post
					}
					walk(post.Children)
				}
			}
			walk(thread.Posts)
		}
	}
	return found
}

func (w *fakeWiki) allPostRevisions() []fakePostRevision {
	var all []fakePostRevision
	for _, category := range w.categories {
		for _, thread := range category.Threads {
			var walk func(posts []*fakePost)
			walk = func(posts []*fakePost) {
				for _, post := range posts {
					all = append(all, post.Revisions...)
					walk(post.Children)
				}
			}
			walk(thread.Posts)
		}
	}
	return all
}

func (w *fakeWiki) moduleRevisionList(rw http.ResponseWriter, form url.Values) {
	page := w.pageByID(form.Get("page_id"))
	if page == nil {
		writeModule(rw, ModuleResponse{Status: "no_page"})
		return
	}
	listPage, _ := strconv.Atoi(form.Get("page"))
	perPage, _ := strconv.Atoi(form.Get("perpage"))
	if listPage < 1 {
		listPage = 1
	}
	if perPage < 1 {
		perPage = defaultPagination
	}
	from := (listPage - 1) * perPage
	to := from + perPage
	if from > len(page.Revisions) {
		from = len(page.Revisions)
	}
	if to > len(page.Revisions) {
		to = len(page.Revisions)
	}
	writeModule(rw, ModuleResponse{Status: "ok", Body: renderRevisionRows(page.Revisions[from:to])})
}

func (w *fakeWiki) modulePageSource(rw http.ResponseWriter, form url.Values) {
	revID, _ := strconv.ParseInt(form.Get("revision_id"), 10, 64)
	if w.brokenSources[revID] {
		http.Error(rw, "upstream exploded", http.StatusInternalServerError)
		return
	}
	for _, page := range w.pages {
		for _, rev := range page.Revisions {
			if rev.Global == revID {
				body := `<div class="page-source">` + html.EscapeString(rev.Source) + `</div>`
				writeModule(rw, ModuleResponse{Status: "ok", Body: body})
				return
			}
		}
	}
	writeModule(rw, ModuleResponse{Status: "no_revision"})
}

func (w *fakeWiki) moduleFileInformation(rw http.ResponseWriter, form url.Values) {
	page := w.pageByID(form.Get("page_id"))
	fileID, _ := strconv.ParseInt(form.Get("file_id"), 10, 64)
	if page == nil {
		writeModule(rw, ModuleResponse{Status: "no_page"})
		return
	}
	for _, file := range page.Files {
		if file.ID == fileID {
			body := fmt.Sprintf(`<table>
<tr><td>File name:</td><td>%s</td></tr>
<tr><td>File type (MIME):</td><td>%s</td></tr>
<tr><td>Size:</td><td>%d bytes</td></tr>
</table>`, html.EscapeString(file.Name), file.Mime, len(file.Bytes))
			writeModule(rw, ModuleResponse{Status: "ok", Body: body})
			return
		}
	}
	writeModule(rw, ModuleResponse{Status: "no_file"})
}

func (w *fakeWiki) handlePageView(rw http.ResponseWriter, name string) {
	w.mu.Lock()
	page, ok := w.pages[name]
	broken := w.brokenPages[name]
	w.mu.Unlock()
	if broken {
		http.Error(rw, "upstream exploded", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(rw, "no such page", http.StatusNotFound)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<html><head><script>WIKIREQUEST.info.pageId = %d;</script></head><body>`, page.ID)
	fmt.Fprintf(&b, `<div id="page-title"> %s </div>`, html.EscapeString(page.Title))
	if page.Parent != "" {
		fmt.Fprintf(&b, `<div id="breadcrumbs"><a href="/%s">up</a></div>`, page.Parent)
	}
	fmt.Fprintf(&b, `<div class="page-rate-widget-box"><span class="number">%+d</span></div>`, page.Rating)
	b.WriteString(`<div class="page-tags"><span>`)
	for _, tag := range page.Tags {
		fmt.Fprintf(&b, `<a href="/system:page-tags/tag/%s">%s</a> `, tag, tag)
	}
	b.WriteString(`</span></div>`)
	if page.ThreadID != 0 {
		fmt.Fprintf(&b, `<a id="discuss-button" href="/forum/t-%d/discuss">Discuss</a>`, page.ThreadID)
	}
	b.WriteString(`</body></html>`)
	fmt.Fprint(rw, b.String())
}

func (w *fakeWiki) handleUserInfo(rw http.ResponseWriter, name string) {
	w.mu.Lock()
	user, ok := w.users[name]
	w.mu.Unlock()
	if !ok {
		http.Error(rw, "no such user", http.StatusNotFound)
		return
	}
	fmt.Fprintf(rw, `<html><body>
<h1 class="profile-title"> %s </h1>
<a href="http://example.com/account/messages#/new/%d">Write private message</a>
<dl><dt>Wikidot user since:</dt><dd><span class="odate time_1136214245">02 Jan 2006</span></dd></dl>
</body></html>`, html.EscapeString(user.Name), user.ID)
}

func (w *fakeWiki) handleFileDownload(rw http.ResponseWriter, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.NotFound(rw, nil)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	page, ok := w.pages[parts[0]]
	if !ok {
		http.Error(rw, "no such page", http.StatusNotFound)
		return
	}
	for _, file := range page.Files {
		if file.Name == parts[1] {
			if w.brokenFiles[file.ID] {
				http.Error(rw, "storage error", http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", file.Mime)
			rw.Write(file.Bytes)
			return
		}
	}
	http.Error(rw, "no such file", http.StatusNotFound)
}

func (w *fakeWiki) renderSitemap() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` + "\n")
	for name, page := range w.pages {
		fmt.Fprintf(&b, "<url><loc>%s/%s</loc>", w.server.URL, name)
		if page.Lastmod != 0 {
			fmt.Fprintf(&b, "<lastmod>%s</lastmod>", time.Unix(page.Lastmod, 0).UTC().Format(time.RFC3339))
		}
		b.WriteString("</url>\n")
	}
	b.WriteString("</urlset>\n")
	return b.String()
}

func renderPrintuser(name string, id int64) string {
	if id == 0 {
		return fmt.Sprintf(`<span class="printuser">%s</span>`, html.EscapeString(name))
	}
	return fmt.Sprintf(`<span class="printuser"><a href="#" onclick="userInfo(%d); return false;">%s</a></span>`,
		id, html.EscapeString(name))
}

func renderOdate(stamp int64) string {
	return fmt.Sprintf(`<span class="odate time_%d format_default">%s</span>`,
		stamp, time.Unix(stamp, 0).UTC().Format("02 Jan 2006"))
}

func renderRevisionRows(revs []fakeRevision) string {
	var b strings.Builder
	b.WriteString("<table>\n")
	for _, rev := range revs {
		author := renderPrintuser("someone", rev.AuthorID)
		fmt.Fprintf(&b, `<tr id="revision-row-%d"><td>%d.</td><td><span class="spantip">N</span></td><td>%s</td><td>%s</td><td>%s</td></tr>`,
			rev.Global, rev.Revision, author, renderOdate(rev.Stamp), html.EscapeString(rev.Comment))
		b.WriteString("\n")
	}
	b.WriteString("</table>")
	return b.String()
}

func renderVotes(votes []fakeVote) string {
	var b strings.Builder
	for _, vote := range votes {
		sign := "-"
		if vote.Up {
			sign = "+"
		}
		fmt.Fprintf(&b, "<div>%s<span> %s </span></div>\n", renderPrintuser("voter", vote.UserID), sign)
	}
	return b.String()
}

func (w *fakeWiki) renderFileRows(page *fakePage) string {
	name := ""
	for pageName, candidate := range w.pages {
		if candidate == page {
			name = pageName
		}
	}
	var b strings.Builder
	b.WriteString("<table>\n")
	for _, file := range page.Files {
		fmt.Fprintf(&b, `<tr id="file-row-%d"><td><a href="/local--files/%s/%s">%s</a></td></tr>`,
			file.ID, name, file.Name, html.EscapeString(file.Name))
		b.WriteString("\n")
	}
	b.WriteString("</table>")
	return b.String()
}

func (w *fakeWiki) renderForumStart() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var b strings.Builder
	b.WriteString("<table>\n")
	for _, category := range w.categories {
		posts := 0
		for _, thread := range category.Threads {
			posts += thread.countPosts()
		}
		fmt.Fprintf(&b, `<tr>
<td class="name"><div class="title"><a href="/forum/c-%d/x">%s</a></div><div class="description">%s</div></td>
<td class="threads">%d</td>
<td class="posts">%d</td>
<td class="last">%s %s</td>
</tr>`,
			category.ID, html.EscapeString(category.Title), html.EscapeString(category.Description),
			len(category.Threads), posts,
			renderPrintuser(category.LastUser, 0), renderOdate(category.Last))
		b.WriteString("\n")
	}
	b.WriteString("</table>")
	return b.String()
}

func (w *fakeWiki) renderCategoryPage(rest string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var id int64
	fmt.Sscanf(rest, "c-%d", &id)
	var b strings.Builder
	b.WriteString("<table>\n")
	for _, category := range w.categories {
		if category.ID != id {
			continue
		}
		for _, thread := range category.Threads {
			class := ""
			if thread.Sticky {
				class = ` class="sticky"`
			}
			fmt.Fprintf(&b, `<tr%s>
<td class="name"><div class="title"><a href="/forum/t-%d/x">%s</a></div><div class="description">%s</div></td>
<td class="started">%s %s</td>
<td class="posts">%d</td>
<td class="last">%s %s</td>
</tr>`,
				class, thread.ID, html.EscapeString(thread.Title), html.EscapeString(thread.Description),
				renderPrintuser(thread.Starter, 0), renderOdate(thread.Started),
				thread.countPosts(),
				renderPrintuser(thread.LastUser, 0), renderOdate(thread.Last))
			b.WriteString("\n")
		}
	}
	b.WriteString("</table>")
	return b.String()
}

func renderThreadPosts(thread *fakeThread) string {
	var b strings.Builder
	var render func(post *fakePost)
	render = func(post *fakePost) {
		fmt.Fprintf(&b, `<div class="post-container"><div class="post" id="post-%d">`, post.ID)
		fmt.Fprintf(&b, `<div class="head"><div class="title"> %s </div><div class="info">%s %s</div></div>`,
			html.EscapeString(post.Title), renderPrintuser(post.Poster, 0), renderOdate(post.Stamp))
		if post.LastEdit != 0 {
			fmt.Fprintf(&b, `<div class="changes">last edited by %s %s</div>`,
				renderPrintuser(post.EditedBy, 0), renderOdate(post.LastEdit))
		}
		fmt.Fprintf(&b, `<div class="content">%s</div></div>`, post.Body)
		for _, child := range post.Children {
			render(child)
		}
		b.WriteString(`</div>`)
	}
	for _, post := range thread.Posts {
		render(post)
	}
	return b.String()
}

func renderPostRevisions(revs []fakePostRevision) string {
	var b strings.Builder
	b.WriteString("<table>\n")
	for _, rev := range revs {
		fmt.Fprintf(&b, `<tr><td><a href="javascript:;" onclick="showRevision(event, %d)">show</a></td><td>%s</td><td>%s</td><td>%s</td></tr>`,
			rev.ID, renderPrintuser(rev.Author, 0), renderOdate(rev.Stamp), html.EscapeString(rev.Title))
		b.WriteString("\n")
	}
	b.WriteString("</table>")
	return b.String()
}

func newTestConnector(t *testing.T, wiki *fakeWiki) *Connector {
	t.Helper()
	client := newTestClient(t, ClientOptions{})
	conn, err := NewConnector(client, wiki.URL(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	conn.Cooldown = 20 * time.Millisecond
	return conn
}

func TestConnectorTokenSeed(t *testing.T) {
	wiki := newFakeWiki(t)
	conn := newTestConnector(t, wiki)
	ctx := context.Background()

	if token := conn.Token(); token != "" {
		t.Fatalf("token before seeding = %q, want empty", token)
	}
	if err := conn.EnsureToken(ctx); err != nil {
		t.Fatal(err)
	}
	if token := conn.Token(); token != "seed-1" {
		t.Errorf("token = %q, want %q", token, "seed-1")
	}
	if err := conn.EnsureToken(ctx); err != nil {
		t.Fatal(err)
	}
	if got := wiki.tokenFetchCount(); got != 1 {
		t.Errorf("token fetches = %d, want 1", got)
	}
}

func TestConnectorModule(t *testing.T) {
	wiki := newFakeWiki(t)
	var gotModule string
	var gotForm url.Values
	wiki.moduleHook = func(module string, form url.Values) *ModuleResponse {
		gotModule = module
		gotForm = form
		return &ModuleResponse{Status: "ok", Body: "<p>hello</p>"}
	}
	conn := newTestConnector(t, wiki)

	resp, err := conn.Module(context.Background(), "test/EchoModule", map[string]string{"alpha": "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Ok() || resp.Body != "<p>hello</p>" {
		t.Errorf("response = %+v", resp)
	}
	if gotModule != "test/EchoModule" {
		t.Errorf("moduleName = %q", gotModule)
	}
	if gotForm.Get("alpha") != "beta" {
		t.Errorf("param alpha = %q, want %q", gotForm.Get("alpha"), "beta")
	}
	if gotForm.Get(tokenCookieName) != "seed-1" {
		t.Errorf("form token = %q, want %q", gotForm.Get(tokenCookieName), "seed-1")
	}
}

func TestConnectorModuleNotOk(t *testing.T) {
	wiki := newFakeWiki(t)
	wiki.moduleHook = func(module string, form url.Values) *ModuleResponse {
		return &ModuleResponse{Status: "no_permission", Message: "try regular login"}
	}
	conn := newTestConnector(t, wiki)
	ctx := context.Background()

	_, err := conn.Module(ctx, "test/Module", nil)
	if err == nil || !errors.Is(err, errNotOk) {
		t.Errorf("Module error = %v, want errNotOk", err)
	}

	resp, err := conn.ModuleSoft(ctx, "test/Module", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Ok() || resp.Status != "no_permission" {
		t.Errorf("soft response = %+v", resp)
	}
}

// Two tasks whose tokens are rejected at the same time must produce exactly
// one token refetch: the first does the work, the second waits on the latch.
func TestConnectorTokenRefreshLatch(t *testing.T) {
	wiki := newFakeWiki(t)
	wiki.moduleHook = func(module string, form url.Values) *ModuleResponse {
		return &ModuleResponse{Status: "ok", Body: "fine"}
	}
	conn := newTestConnector(t, wiki)
	ctx := context.Background()

	if err := conn.EnsureToken(ctx); err != nil {
		t.Fatal(err)
	}
	wiki.setRejects(2)

	var group sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		group.Add(1)
		go func() {
			defer group.Done()
			_, errs[i] = conn.Module(ctx, "test/Module", nil)
		}()
	}
	group.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
	// One seed fetch plus exactly one shared refresh.
	if got := wiki.tokenFetchCount(); got != 2 {
		t.Errorf("token fetches = %d, want 2", got)
	}
	if token := conn.Token(); token != "seed-2" {
		t.Errorf("token after refresh = %q, want %q", token, "seed-2")
	}
}

func TestParseOdate(t *testing.T) {
	doc, err := parseFragment(`<span class="odate time_1700000000 format_default">x</span>`)
	if err != nil {
		t.Fatal(err)
	}
	if got := parseOdate(doc.Find("span.odate")); got != 1700000000 {
		t.Errorf("parseOdate = %d, want 1700000000", got)
	}
	empty, _ := parseFragment(`<span class="odate">x</span>`)
	if got := parseOdate(empty.Find("span.odate")); got != 0 {
		t.Errorf("parseOdate without class = %d, want 0", got)
	}
}

func TestParsePrintuser(t *testing.T) {
	for _, tc := range []struct {
		html string
		name string
		id   *int64
	}{
		{`<span class="printuser"><a onclick="userInfo(4598089); return false;">Dr Gears</a></span>`,
			"Dr Gears", int64Ptr(4598089)},
		{`<span class="printuser deleted" data-id="77">(account deleted)</span>`,
			"(account deleted)", int64Ptr(77)},
		{`<span class="printuser">Anonymous</span>`, "Anonymous", nil},
	} {
		doc, err := parseFragment(tc.html)
		if err != nil {
			t.Fatal(err)
		}
		name, id := parsePrintuser(doc.Find("span.printuser"))
		if name != tc.name {
			t.Errorf("name = %q, want %q", name, tc.name)
		}
		switch {
		case tc.id == nil && id != nil:
			t.Errorf("id = %d, want nil", *id)
		case tc.id != nil && (id == nil || *id != *tc.id):
			t.Errorf("id = %v, want %d", id, *tc.id)
		}
	}
}

func TestPageSourceText(t *testing.T) {
	doc, err := parseFragment("<div class=\"page-source\">line one\n  line&nbsp;two &amp; more</div>")
	if err != nil {
		t.Fatal(err)
	}
	want := "line one\n  line two & more"
	if got := pageSourceText(doc); got != want {
		t.Errorf("pageSourceText = %q, want %q", got, want)
	}
}

func int64Ptr(v int64) *int64 { return &v }
