// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

func TestUnixUsername(t *testing.T) {
	for _, tc := range []struct {
		name string
		want string
	}{
		{"Dr Gears", "dr-gears"},
		{"John_Doe", "john-doe"},
		{"  spaced   out  ", "spaced-out"},
		{"UPPER", "upper"},
		{"trailing---", "trailing"},
		{"user42", "user42"},
	} {
		if got := unixUsername(tc.name); got != tc.want {
			t.Errorf("unixUsername(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestFoldUsername(t *testing.T) {
	if got, want := foldUsername("DR GEARS"), foldUsername("dr gears"); got != want {
		t.Errorf("fold mismatch: %q vs %q", got, want)
	}
	// Case folding, not lowercasing: the sharp s expands.
	if got := foldUsername("Straße"); got != "strasse" {
		t.Errorf("foldUsername(Straße) = %q, want strasse", got)
	}
}

const sampleProfile = `<html><body>
<h1 class="profile-title"> Dr Gears </h1>
<a href="http://www.wikidot.com/account/messages#/new/4598089">Write private message</a>
<a href="javascript:;" onclick="WIKIDOT.page.listeners.flagUser(event, 4598089)">Flag user</a>
<dl class="dl-horizontal">
<dt>Real name:</dt><dd>Unknown</dd>
<dt>Gender:</dt><dd>male</dd>
<dt>Birthday:</dt><dd>01 Jan 1980</dd>
<dt>From:</dt><dd>Somewhere</dd>
<dt>Website:</dt><dd>https://example.org</dd>
<dt>Wikidot.com User since:</dt><dd><span class="odate time_1136214245 format_%25e%20%25b%20%25Y">06 Jan 2006</span></dd>
<dt>Account type:</dt><dd>free</dd>
<dt>Karma level:</dt><dd>very high</dd>
</dl>
</body></html>`

func TestParseUserProfile(t *testing.T) {
	doc, errE := parseHTML([]byte(sampleProfile))
	if errE != nil {
		t.Fatal(errE)
	}
	user, errE := parseUserProfile(doc)
	if errE != nil {
		t.Fatal(errE)
	}
	if user.UserID != 4598089 {
		t.Errorf("got user id %d, want 4598089", user.UserID)
	}
	if user.FullName != "Dr Gears" {
		t.Errorf("got full name %q, want %q", user.FullName, "Dr Gears")
	}
	if user.Gender != "male" {
		t.Errorf("got gender %q, want male", user.Gender)
	}
	if user.Birthday != "01 Jan 1980" {
		t.Errorf("got birthday %q", user.Birthday)
	}
	if user.From != "Somewhere" {
		t.Errorf("got from %q", user.From)
	}
	if user.Website != "https://example.org" {
		t.Errorf("got website %q", user.Website)
	}
	if user.WikidotUserSince != 1136214245 {
		t.Errorf("got user since %d, want 1136214245", user.WikidotUserSince)
	}
	if user.AccountType != "free" {
		t.Errorf("got account type %q, want free", user.AccountType)
	}
	if user.Activity != ActivityVeryHigh {
		t.Errorf("got activity %q, want %q", user.Activity, ActivityVeryHigh)
	}
}

func TestParseUserProfileNoMessageLink(t *testing.T) {
	html := `<html><body><h1 class="profile-title">Someone</h1>
<a onclick="flagUser(event, 77)">Flag</a></body></html>`
	doc, errE := parseHTML([]byte(html))
	if errE != nil {
		t.Fatal(errE)
	}
	user, errE := parseUserProfile(doc)
	if errE != nil {
		t.Fatal(errE)
	}
	if user.UserID != 77 {
		t.Errorf("got user id %d, want 77", user.UserID)
	}
}

func TestParseUserProfileMissing(t *testing.T) {
	html := `<html><body><div class="error-block">This user does not exist.</div></body></html>`
	doc, errE := parseHTML([]byte(html))
	if errE != nil {
		t.Fatal(errE)
	}
	if _, errE := parseUserProfile(doc); !errors.Is(errE, errUserDoesNotExist) {
		t.Errorf("got %v, want errUserDoesNotExist", errE)
	}
}

func TestParseActivity(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want UserActivity
	}{
		{"none", ActivityNone},
		{"Low", ActivityLow},
		{"MEDIUM", ActivityMedium},
		{"high", ActivityHigh},
		{"very high", ActivityVeryHigh},
		{"guru", ActivityGuru},
		{"something else", ActivityUnknown},
		{"", ActivityUnknown},
	} {
		if got := parseActivity(tc.in); got != tc.want {
			t.Errorf("parseActivity(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

type fakeProfileServer struct {
	server *httptest.Server
	hits   atomic.Int64
	body   atomic.Value
	status atomic.Int64
}

func newFakeProfileServer(t *testing.T) *fakeProfileServer {
	t.Helper()
	f := &fakeProfileServer{}
	f.body.Store(sampleProfile)
	f.status.Store(http.StatusOK)
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/user:info/") {
			http.NotFound(w, r)
			return
		}
		f.hits.Add(1)
		status := int(f.status.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, f.body.Load().(string))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestResolver(t *testing.T, baseURL, dir string) *UserResolver {
	t.Helper()
	client := newTestClient(t, ClientOptions{})
	return NewUserResolver(client, baseURL, dir, time.Hour, zerolog.Nop())
}

func TestUserResolverFetchesOnce(t *testing.T) {
	fake := newFakeProfileServer(t)
	dir := t.TempDir()
	resolver := newTestResolver(t, fake.server.URL, dir)

	ctx := context.Background()
	user, errE := resolver.Resolve(ctx, nil, "Dr Gears")
	if errE != nil {
		t.Fatal(errE)
	}
	if user.UserID != 4598089 {
		t.Fatalf("got user id %d, want 4598089", user.UserID)
	}
	if _, errE := resolver.Resolve(ctx, nil, "dr gears"); errE != nil {
		t.Fatal(errE)
	}
	if got := fake.hits.Load(); got != 1 {
		t.Errorf("got %d fetches, want 1", got)
	}
	if errE := resolver.Close(); errE != nil {
		t.Fatal(errE)
	}

	bucket := filepath.Join(dir, fmt.Sprintf("%d.json", int64(4598089)>>userBucketShift))
	data, err := os.ReadFile(bucket)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"4598089"`) {
		t.Errorf("bucket file misses the user id: %s", data)
	}
}

func TestUserResolverDiskCache(t *testing.T) {
	fake := newFakeProfileServer(t)
	dir := t.TempDir()

	first := newTestResolver(t, fake.server.URL, dir)
	ctx := context.Background()
	if _, errE := first.Resolve(ctx, nil, "Dr Gears"); errE != nil {
		t.Fatal(errE)
	}
	if errE := first.Close(); errE != nil {
		t.Fatal(errE)
	}
	fake.hits.Store(0)

	// A fresh resolver over the same directory serves id lookups from disk.
	second := newTestResolver(t, fake.server.URL, dir)
	id := int64(4598089)
	user, errE := second.Resolve(ctx, &id, "Dr Gears")
	if errE != nil {
		t.Fatal(errE)
	}
	if user.FullName != "Dr Gears" {
		t.Errorf("got full name %q", user.FullName)
	}
	if got := fake.hits.Load(); got != 0 {
		t.Errorf("got %d fetches, want 0", got)
	}
}

func TestUserResolverSingleflight(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprintf(w, "%s", sampleProfile)
	}))
	defer server.Close()

	resolver := newTestResolver(t, server.URL, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*User, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = resolver.Resolve(ctx, nil, "Dr Gears")
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("got %d fetches, want 1", got)
	}
	if results[0] == nil || results[0] != results[1] {
		t.Errorf("concurrent callers got different results: %v vs %v", results[0], results[1])
	}
}

func TestUserResolverNegativeCache(t *testing.T) {
	fake := newFakeProfileServer(t)
	fake.body.Store(`<html><body><div class="error-block">This user does not exist.</div></body></html>`)
	resolver := newTestResolver(t, fake.server.URL, t.TempDir())

	ctx := context.Background()
	if _, errE := resolver.Resolve(ctx, nil, "nobody"); !errors.Is(errE, errUserDoesNotExist) {
		t.Fatalf("got %v, want errUserDoesNotExist", errE)
	}
	if _, errE := resolver.Resolve(ctx, nil, "Nobody"); !errors.Is(errE, errUserDoesNotExist) {
		t.Fatalf("got %v, want errUserDoesNotExist", errE)
	}
	if got := fake.hits.Load(); got != 1 {
		t.Errorf("got %d fetches, want 1", got)
	}
}

func TestUserResolverPendingReplay(t *testing.T) {
	fake := newFakeProfileServer(t)
	fake.status.Store(http.StatusInternalServerError)
	dir := t.TempDir()

	first := newTestResolver(t, fake.server.URL, dir)
	ctx := context.Background()
	if _, errE := first.Resolve(ctx, nil, "Dr Gears"); errE == nil {
		t.Fatal("expected resolve against a broken server to fail")
	}
	if errE := first.Close(); errE != nil {
		t.Fatal(errE)
	}
	data, err := os.ReadFile(filepath.Join(dir, "pending.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Dr Gears") {
		t.Fatalf("pending list misses the failed user: %s", data)
	}

	// The server recovers; a new resolver replays the backlog.
	fake.status.Store(http.StatusOK)
	second := newTestResolver(t, fake.server.URL, dir)
	second.ReplayPending(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var left int
		second.pending.View(func(v *[]string) { left = len(*v) })
		if left == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending list still has %d entries", left)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, errE := second.Resolve(ctx, nil, "Dr Gears"); errE != nil {
		t.Fatal(errE)
	}
}
