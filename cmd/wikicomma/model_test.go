// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"testing"
)

func int64ptr(v int64) *int64 { return &v }

func TestVotingTupleJSON(t *testing.T) {
	votings := []Voting{
		{UserID: int64ptr(4598089), Vote: true},
		{UserID: nil, Vote: false},
	}
	raw, err := json.Marshal(votings)
	if err != nil {
		t.Fatal(err)
	}
	want := `[[4598089,true],[null,false]]`
	if string(raw) != want {
		t.Errorf("marshalled votings = %s, want %s", raw, want)
	}

	var restored []Voting
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatal(err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored %d votings", len(restored))
	}
	if restored[0].UserID == nil || *restored[0].UserID != 4598089 || !restored[0].Vote {
		t.Errorf("restored[0] = %+v", restored[0])
	}
	if restored[1].UserID != nil || restored[1].Vote {
		t.Errorf("restored[1] = %+v", restored[1])
	}
}

func TestVotingUnmarshalRejectsBadShape(t *testing.T) {
	var v Voting
	for _, raw := range []string{`[1,true,3]`, `[]`, `{"user":1}`, `[true,1]`} {
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			t.Errorf("unmarshal of %s should fail", raw)
		}
	}
}

func TestPageMetaJSONKeys(t *testing.T) {
	meta := newPageMeta("scp-173")
	meta.PageID = 42
	rating := 7
	meta.Rating = &rating
	meta.SitemapUpdate = 1704164645000
	meta.Revisions = []PageRevision{{Revision: 1, GlobalRevision: 1001, Author: int64ptr(77)}}
	meta.Files = []FileMeta{{FileID: 9, Name: "img.png", ContentType: "image/png", Author: nil}}

	raw, err := json.Marshal(&meta)
	if err != nil {
		t.Fatal(err)
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"name", "page_id", "rating", "version", "tags",
		"sitemap_update", "revisions", "files", "votings",
	} {
		if _, ok := asMap[key]; !ok {
			t.Errorf("serialised PageMeta missing key %q", key)
		}
	}

	var files []map[string]json.RawMessage
	if err := json.Unmarshal(asMap["files"], &files); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"file_id", "name", "url", "size", "size_bytes", "mime", "content-type", "author", "stamp", "internal_version"} {
		if _, ok := files[0][key]; !ok {
			t.Errorf("serialised FileMeta missing key %q", key)
		}
	}
}

func TestPageMetaRevisionHelpers(t *testing.T) {
	meta := newPageMeta("test")
	if got := meta.MaxRevision(); got != -1 {
		t.Errorf("MaxRevision() on empty = %d, want -1", got)
	}
	meta.Revisions = []PageRevision{
		{Revision: 5, GlobalRevision: 500},
		{Revision: 3, GlobalRevision: 300},
		{Revision: 1, GlobalRevision: 100},
	}
	if got := meta.MaxRevision(); got != 5 {
		t.Errorf("MaxRevision() = %d, want 5", got)
	}
	if !meta.HasGlobalRevision(300) || meta.HasGlobalRevision(999) {
		t.Error("HasGlobalRevision misreports")
	}
	if rev, ok := meta.RevisionByGlobal(300); !ok || rev.Revision != 3 {
		t.Errorf("RevisionByGlobal(300) = %+v, %v", rev, ok)
	}
	if err := meta.CheckRevisionOrder(); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}

	meta.Revisions = []PageRevision{{Revision: 2, GlobalRevision: 1}, {Revision: 2, GlobalRevision: 2}}
	if err := meta.CheckRevisionOrder(); err == nil {
		t.Error("non-decreasing revisions should be rejected")
	}
	meta.Revisions = []PageRevision{{Revision: 2, GlobalRevision: 7}, {Revision: 1, GlobalRevision: 7}}
	if err := meta.CheckRevisionOrder(); err == nil {
		t.Error("duplicate global revisions should be rejected")
	}
}

func TestForumThreadPostTree(t *testing.T) {
	thread := ForumThread{
		Posts: []*LocalForumPost{
			{ID: 1, Children: []*LocalForumPost{
				{ID: 2, Children: []*LocalForumPost{{ID: 4}}},
				{ID: 3},
			}},
			{ID: 5},
		},
	}
	if got := thread.CountPosts(); got != 5 {
		t.Errorf("CountPosts() = %d, want 5", got)
	}
	if post := thread.FindPost(4); post == nil || post.ID != 4 {
		t.Errorf("FindPost(4) = %+v", post)
	}
	if post := thread.FindPost(99); post != nil {
		t.Errorf("FindPost(99) = %+v, want nil", post)
	}
	var order []int64
	thread.EachPost(func(p *LocalForumPost) { order = append(order, p.ID) })
	want := []int64{1, 2, 4, 3, 5}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("EachPost order = %v, want %v", order, want)
		}
	}
}

func TestIntKeyedMapsRoundTrip(t *testing.T) {
	pending := PendingRevisions{1001: 42, 2002: 99}
	raw, err := json.Marshal(pending)
	if err != nil {
		t.Fatal(err)
	}
	var asMap map[string]int64
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatal(err)
	}
	if asMap["1001"] != 42 || asMap["2002"] != 99 {
		t.Errorf("integer keys should serialise as decimal strings: %s", raw)
	}
	var restored PendingRevisions
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatal(err)
	}
	if restored[1001] != 42 || restored[2002] != 99 {
		t.Errorf("restored = %v", restored)
	}
}
