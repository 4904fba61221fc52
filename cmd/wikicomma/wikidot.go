// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Module names understood by the ajax connector.
const (
	moduleSiteChanges      = "changes/SiteChangesListModule"
	moduleRevisionList     = "history/PageRevisionListModule"
	modulePageSource       = "history/PageSourceModule"
	moduleWhoRated         = "pagerate/WhoRatedPageModule"
	modulePageEdit         = "edit/PageEditModule"
	modulePageFiles        = "files/PageFilesModule"
	moduleFileInformation  = "files/FileInformationWinModule"
	moduleForumThreadPosts = "forum/ForumViewThreadPostsModule"
	moduleForumNewPostForm = "forum/sub/ForumNewPostFormModule"
	modulePostRevisions    = "forum/sub/ForumPostRevisionsModule"
	modulePostRevision     = "forum/sub/ForumPostRevisionModule"
)

const tokenCookieName = "wikidot_token7"

var (
	errNotOk        = errors.Base("module response not ok")
	errTokenInvalid = errors.Base("form token rejected")
	errNoToken      = errors.Base("no token cookie received")
)

// ModuleResponse is the decoded JSON envelope of an ajax connector call.
// Body carries an HTML fragment on success; Message explains failures. The
// page-edit module additionally reports an edit lock through Locked.
type ModuleResponse struct {
	Status  string `json:"status"`
	Body    string `json:"body"`
	Message string `json:"message"`
	Locked  bool   `json:"locked"`
}

// Ok reports whether the remote accepted the call.
func (r *ModuleResponse) Ok() bool {
	return r.Status == "ok"
}

// Connector speaks the Wikidot ajax protocol for one site: form-encoded
// POSTs carrying a token that must match the cookie of the same name. When
// the remote invalidates the token, exactly one caller refetches it while
// everyone else waits on a shared latch.
type Connector struct {
	// Cooldown is slept before refetching a rejected token.
	Cooldown time.Duration

	client  *Client
	baseURL string
	base    *url.URL
	log     zerolog.Logger

	mu         sync.Mutex
	refreshing chan struct{}
}

func NewConnector(client *Client, siteURL string, log zerolog.Logger) (*Connector, errors.E) {
	trimmed := strings.TrimRight(siteURL, "/")
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.WithDetails(err, "url", siteURL)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("wiki url %q has no scheme or host", siteURL)
	}
	return &Connector{
		Cooldown: 30 * time.Second,
		client:   client,
		baseURL:  trimmed,
		base:     base,
		log:      log,
	}, nil
}

// BaseURL returns the site root without a trailing slash.
func (w *Connector) BaseURL() string {
	return w.baseURL
}

// Token returns the current form token, empty when none is known yet.
func (w *Connector) Token() string {
	if value, ok := w.client.Jar().Value(tokenCookieName, w.base); ok {
		return value
	}
	return ""
}

// EnsureToken makes sure a form token is available, fetching the front page
// when the persisted cookie jar has none.
func (w *Connector) EnsureToken(ctx context.Context) errors.E {
	if w.Token() != "" {
		return nil
	}
	return w.refreshToken(ctx, "")
}

// Module performs a connector call and fails when the response status is
// anything but ok.
func (w *Connector) Module(ctx context.Context, module string, params map[string]string) (*ModuleResponse, errors.E) {
	return w.moduleCall(ctx, module, params, false)
}

// ModuleSoft performs a connector call and hands back non-ok responses for
// the caller to inspect. Transport failures and token rejection still error.
func (w *Connector) ModuleSoft(ctx context.Context, module string, params map[string]string) (*ModuleResponse, errors.E) {
	return w.moduleCall(ctx, module, params, true)
}

func (w *Connector) moduleCall(ctx context.Context, module string, params map[string]string, soft bool) (*ModuleResponse, errors.E) {
	refreshed := false
	for {
		if errE := w.EnsureToken(ctx); errE != nil {
			return nil, errE
		}
		form := url.Values{}
		form.Set("moduleName", module)
		for key, value := range params {
			form.Set(key, value)
		}
		token := w.Token()
		form.Set(tokenCookieName, token)

		resp, errE := w.client.PostForm(ctx, w.baseURL+"/ajax-module-connector.php", form)
		if errE != nil {
			return nil, errors.WithDetails(errE, "module", module)
		}
		var decoded ModuleResponse
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, errors.WithDetails(err, "module", module, "body", truncateForError(resp.Body))
		}
		if decoded.Status == "wrong_token7" {
			if refreshed {
				return nil, errors.WithDetails(errTokenInvalid, "module", module)
			}
			refreshed = true
			if errE := w.refreshToken(ctx, token); errE != nil {
				return nil, errE
			}
			continue
		}
		if !decoded.Ok() && !soft {
			return nil, errors.WithDetails(errNotOk,
				"module", module,
				"status", decoded.Status,
				"message", decoded.Message,
			)
		}
		return &decoded, nil
	}
}

// refreshToken obtains a fresh token cookie. Concurrent callers collapse
// into a single front-page fetch: the first arrival does the work after a
// cool-off, later arrivals wait on the latch and reuse the outcome. stale is
// the token the caller saw rejected; when the jar already moved past it,
// somebody else refreshed and there is nothing to do.
func (w *Connector) refreshToken(ctx context.Context, stale string) errors.E {
	w.mu.Lock()
	if current := w.Token(); current != "" && current != stale {
		w.mu.Unlock()
		return nil
	}
	if w.refreshing != nil {
		latch := w.refreshing
		w.mu.Unlock()
		select {
		case <-latch:
			return nil
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
	latch := make(chan struct{})
	w.refreshing = latch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.refreshing = nil
		w.mu.Unlock()
		close(latch)
	}()

	if stale != "" {
		w.log.Warn().Str("module", "token").Msg("form token invalidated, cooling off before refresh")
		select {
		case <-time.After(w.Cooldown):
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}

	if _, errE := w.client.Get(ctx, w.baseURL+"/system:recent-changes", nil); errE != nil {
		return errors.WithMessage(errE, "token seed fetch")
	}
	if w.Token() == "" {
		return errors.WithDetails(errNoToken, "url", w.baseURL)
	}
	return nil
}

// PageHTML fetches the rendered page named name, bypassing redirects and
// caches, and returns it parsed.
func (w *Connector) PageHTML(ctx context.Context, name string) (*goquery.Document, errors.E) {
	target := fmt.Sprintf("%s/%s/noredirect/true?_ts=%d", w.baseURL, name, time.Now().UnixMilli())
	resp, errE := w.client.Get(ctx, target, nil)
	if errE != nil {
		return nil, errE
	}
	return parseHTML(resp.Body)
}

// GetHTML fetches an arbitrary path under the site root and parses it.
func (w *Connector) GetHTML(ctx context.Context, path string) (*goquery.Document, errors.E) {
	resp, errE := w.client.Get(ctx, w.baseURL+path, nil)
	if errE != nil {
		return nil, errE
	}
	return parseHTML(resp.Body)
}

func parseHTML(body []byte) (*goquery.Document, errors.E) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return doc, nil
}

// parseFragment parses a connector body fragment.
func parseFragment(body string) (*goquery.Document, errors.E) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return doc, nil
}

var (
	pageIDPattern   = regexp.MustCompile(`WIKIREQUEST\.info\.pageId\s*=\s*(\d+)`)
	userInfoPattern = regexp.MustCompile(`userInfo\((\d+)\)`)
	threadIDPattern = regexp.MustCompile(`/forum/t-(\d+)`)
	odateClass      = "time_"
)

// parseOdate extracts the unix timestamp a span.odate encodes in its
// time_<seconds> class. Zero when absent.
func parseOdate(sel *goquery.Selection) int64 {
	class, _ := sel.Attr("class")
	for _, field := range strings.Fields(class) {
		if rest, found := strings.CutPrefix(field, odateClass); found {
			if stamp, err := strconv.ParseInt(rest, 10, 64); err == nil {
				return stamp
			}
		}
	}
	return 0
}

// parsePrintuser extracts the display name and, when resolvable, the numeric
// user id from a span.printuser element. Deleted accounts carry the id in a
// data-id attribute; anonymous and guest entries yield a nil id.
func parsePrintuser(sel *goquery.Selection) (string, *int64) {
	name := strings.TrimSpace(sel.Text())
	if raw, ok := sel.Attr("data-id"); ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return name, &id
		}
	}
	var id *int64
	sel.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		onclick, _ := a.Attr("onclick")
		if match := userInfoPattern.FindStringSubmatch(onclick); match != nil {
			if parsed, err := strconv.ParseInt(match[1], 10, 64); err == nil {
				id = &parsed
				return false
			}
		}
		return true
	})
	return name, id
}

// pageSourceText extracts the raw wiki source out of a PageSourceModule
// body. Newlines and entities stay exactly as served, except non-breaking
// spaces which the remote injects for indentation.
func pageSourceText(doc *goquery.Document) string {
	source := doc.Find("div.page-source").Text()
	return strings.ReplaceAll(source, " ", " ")
}
