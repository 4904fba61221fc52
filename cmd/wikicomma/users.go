// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	userBucketShift  = 13
	userBucketsKept  = 16
	defaultUserCache = 7 * 24 * time.Hour
)

var errUserDoesNotExist = errors.Base("user does not exist")

type userBucket = map[int64]*User

// UserResolver archives user profiles for one wiki. Lookups hit the
// in-memory maps first, then the bucketed on-disk store, and only then the
// remote profile page; for any username at most one upstream fetch is in
// flight at a time. Usernames that failed transiently persist in a pending
// list and are replayed on the next run; usernames the remote does not know
// are negative-cached for the process lifetime.
type UserResolver struct {
	client   *Client
	baseURL  string
	dir      string
	cacheFor time.Duration
	log      zerolog.Logger

	group singleflight.Group

	mu       sync.Mutex
	byName   map[string]*User
	byID     map[int64]*User
	negative map[string]bool

	buckets *lru.Cache[int64, *Document[userBucket]]
	pending *Document[[]string]
}

func NewUserResolver(client *Client, baseURL, dir string, cacheFor time.Duration, log zerolog.Logger) *UserResolver {
	if cacheFor <= 0 {
		cacheFor = defaultUserCache
	}
	r := &UserResolver{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		dir:      dir,
		cacheFor: cacheFor,
		log:      log,
		byName:   make(map[string]*User),
		byID:     make(map[int64]*User),
		negative: make(map[string]bool),
		pending:  NewDocument(filepath.Join(dir, "pending.json"), func() []string { return []string{} }),
	}
	// Syncing on eviction keeps the number of open bucket documents small
	// without losing writes.
	cache, err := lru.NewWithEvict(userBucketsKept, func(_ int64, doc *Document[userBucket]) {
		if errE := doc.Sync(); errE != nil {
			log.Err(errE).Str("path", doc.Path()).Msg("user bucket sync on eviction failed")
		}
	})
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}
	r.buckets = cache
	return r
}

// ReplayPending asynchronously retries usernames a previous run could not
// resolve.
func (r *UserResolver) ReplayPending(ctx context.Context) {
	var names []string
	r.pending.View(func(v *[]string) {
		names = append(names, *v...)
	})
	if len(names) == 0 {
		return
	}
	r.log.Info().Int("count", len(names)).Msg("replaying pending user fetches")
	go func() {
		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.Resolve(ctx, nil, name); err != nil && !errors.Is(err, errUserDoesNotExist) {
				r.log.Debug().Err(err).Str("user", name).Msg("pending user still unresolved")
			}
		}
	}()
}

// Resolve returns the profile for (id, username), fetching it when the
// store has nothing fresh. A nil id is allowed; the id is then discovered
// from the profile page itself.
func (r *UserResolver) Resolve(ctx context.Context, id *int64, username string) (*User, errors.E) {
	key := foldUsername(username)
	if key == "" {
		return nil, errors.New("empty username")
	}

	r.mu.Lock()
	if r.negative[key] {
		r.mu.Unlock()
		return nil, errors.WithDetails(errUserDoesNotExist, "user", username)
	}
	if user := r.lookupLocked(id, key); user != nil && r.fresh(user) {
		r.mu.Unlock()
		return user, nil
	}
	r.mu.Unlock()

	// Not in memory. With a known id the bucket document may have it.
	if id != nil {
		if user := r.loadFromBucket(*id); user != nil {
			r.remember(user)
			if r.fresh(user) {
				return user, nil
			}
		}
	}

	result, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.fetch(ctx, username, key)
	})
	if err != nil {
		if errE, ok := err.(errors.E); ok {
			return nil, errE
		}
		return nil, errors.WithStack(err)
	}
	return result.(*User), nil
}

func (r *UserResolver) lookupLocked(id *int64, key string) *User {
	if user, ok := r.byName[key]; ok {
		return user
	}
	if id != nil {
		if user, ok := r.byID[*id]; ok {
			return user
		}
	}
	return nil
}

func (r *UserResolver) fresh(user *User) bool {
	return time.Since(time.Unix(user.FetchedAt, 0)) < r.cacheFor
}

func (r *UserResolver) remember(user *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key := foldUsername(user.Username); key != "" {
		r.byName[key] = user
	}
	if key := foldUsername(user.FullName); key != "" {
		r.byName[key] = user
	}
	r.byID[user.UserID] = user
}

func (r *UserResolver) loadFromBucket(id int64) *User {
	doc := r.bucketDoc(id >> userBucketShift)
	var user *User
	doc.View(func(v *userBucket) {
		user = (*v)[id]
	})
	return user
}

func (r *UserResolver) bucketDoc(bucket int64) *Document[userBucket] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.buckets.Get(bucket); ok {
		return doc
	}
	doc := NewDocument(
		filepath.Join(r.dir, fmt.Sprintf("%d.json", bucket)),
		func() userBucket { return make(userBucket) },
	)
	r.buckets.Add(bucket, doc)
	return doc
}

func (r *UserResolver) fetch(ctx context.Context, username, key string) (*User, errors.E) {
	target := r.baseURL + "/user:info/" + unixUsername(username)
	resp, errE := r.client.Get(ctx, target, nil)
	if errE != nil {
		if httpStatus(errE) == http.StatusNotFound {
			r.markMissing(key, username)
			return nil, errors.WithDetails(errUserDoesNotExist, "user", username)
		}
		r.enqueuePending(username)
		return nil, errE
	}
	doc, errE := parseHTML(resp.Body)
	if errE != nil {
		r.enqueuePending(username)
		return nil, errE
	}
	user, errE := parseUserProfile(doc)
	if errE != nil {
		if errors.Is(errE, errUserDoesNotExist) {
			r.markMissing(key, username)
			return nil, errors.WithDetails(errUserDoesNotExist, "user", username)
		}
		r.enqueuePending(username)
		return nil, errE
	}
	if user.Username == "" {
		user.Username = username
	}
	user.FetchedAt = time.Now().Unix()

	r.bucketDoc(user.UserID>>userBucketShift).Update(func(v *userBucket) {
		(*v)[user.UserID] = user
	})
	r.remember(user)
	r.dropPending(username)
	return user, nil
}

func (r *UserResolver) markMissing(key, username string) {
	r.mu.Lock()
	r.negative[key] = true
	r.mu.Unlock()
	r.dropPending(username)
}

func (r *UserResolver) enqueuePending(username string) {
	r.pending.Update(func(v *[]string) {
		for _, existing := range *v {
			if existing == username {
				return
			}
		}
		*v = append(*v, username)
	})
}

func (r *UserResolver) dropPending(username string) {
	r.pending.Update(func(v *[]string) {
		kept := (*v)[:0]
		for _, existing := range *v {
			if existing != username {
				kept = append(kept, existing)
			}
		}
		*v = kept
	})
}

// Close flushes the pending list and every cached bucket document.
func (r *UserResolver) Close() errors.E {
	errE := r.pending.Sync()
	r.mu.Lock()
	keys := r.buckets.Keys()
	docs := make([]*Document[userBucket], 0, len(keys))
	for _, key := range keys {
		if doc, ok := r.buckets.Peek(key); ok {
			docs = append(docs, doc)
		}
	}
	r.mu.Unlock()
	for _, doc := range docs {
		if syncErr := doc.Sync(); syncErr != nil && errE == nil {
			errE = syncErr
		}
	}
	return errE
}

// foldUsername is the cache key: case-folded, normalised, and reduced to
// the same shape Wikidot uses for profile URLs.
func foldUsername(name string) string {
	folded := cases.Fold().String(norm.NFC.String(name))
	return unixUsername(folded)
}

// unixUsername converts a display name to the unix-name form used in
// profile URLs: lowercase with non-alphanumeric runs collapsed to dashes.
func unixUsername(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			sb.WriteRune(c)
			lastDash = false
		} else if !lastDash {
			sb.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(sb.String(), "-")
}

var (
	newMessagePattern = regexp.MustCompile(`#/new/(\d+)`)
	flagUserPattern   = regexp.MustCompile(`flagUser\(\s*(?:event\s*,\s*)?(\d+)\s*\)`)
)

// parseUserProfile extracts a User from a profile page. The numeric id
// comes from the contact buttons or a data-id fallback; the attribute list
// is matched case-insensitively on its labels.
func parseUserProfile(doc *goquery.Document) (*User, errors.E) {
	if text := doc.Find("div.error-block").Text(); strings.Contains(strings.ToLower(text), "does not exist") {
		return nil, errors.WithStack(errUserDoesNotExist)
	}

	user := &User{Activity: ActivityUnknown}
	user.FullName = strings.TrimSpace(doc.Find("h1.profile-title").First().Text())
	if user.FullName == "" {
		user.FullName = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	user.Username = user.FullName

	html, err := doc.Html()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if match := newMessagePattern.FindStringSubmatch(html); match != nil {
		user.UserID, _ = strconv.ParseInt(match[1], 10, 64)
	} else if match := flagUserPattern.FindStringSubmatch(html); match != nil {
		user.UserID, _ = strconv.ParseInt(match[1], 10, 64)
	} else if raw, ok := doc.Find("[data-id]").First().Attr("data-id"); ok {
		user.UserID, _ = strconv.ParseInt(raw, 10, 64)
	}
	if user.UserID == 0 {
		return nil, errors.New("profile page carries no user id")
	}

	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		label := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(dt.Text()), ":")))
		dd := dt.Next()
		if !dd.Is("dd") {
			return
		}
		value := strings.TrimSpace(dd.Text())
		switch {
		case label == "real name":
			user.RealName = value
		case label == "gender":
			user.Gender = value
		case label == "birthday":
			user.Birthday = value
		case label == "from":
			user.From = value
		case label == "website":
			user.Website = value
		case strings.Contains(label, "user since"):
			user.WikidotUserSince = parseOdate(dd.Find("span.odate").First())
		case label == "bio" || label == "about":
			user.Bio = value
		case label == "account type":
			user.AccountType = value
		case label == "karma level" || label == "activity":
			user.Activity = parseActivity(value)
		}
	})
	return user, nil
}

func parseActivity(value string) UserActivity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none":
		return ActivityNone
	case "low":
		return ActivityLow
	case "medium":
		return ActivityMedium
	case "high":
		return ActivityHigh
	case "very high":
		return ActivityVeryHigh
	case "guru":
		return ActivityGuru
	default:
		return ActivityUnknown
	}
}
