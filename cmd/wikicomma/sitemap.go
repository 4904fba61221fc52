// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	sitemap "github.com/oxffaa/gopher-parse-sitemap"
	"gitlab.com/tozd/go/errors"
)

const maxSitemapDepth = 4

var errSitemapTooDeep = errors.Base("sitemap index nesting too deep")

// fetchSiteMap resolves a site's sitemap.xml, following nested sitemap
// indexes, and returns page name to last-modified (epoch milliseconds, zero
// when the entry carries none). Forum URLs, blacklisted names, and the bare
// site root are dropped; entries pointing at an unexpected host contribute
// their path.
func fetchSiteMap(ctx context.Context, client *Client, baseURL string, blacklist map[string]bool) (SiteMap, errors.E) {
	result := make(SiteMap)
	if errE := collectSitemap(ctx, client, baseURL+"/sitemap.xml", blacklist, result, 0); errE != nil {
		return nil, errE
	}
	return result, nil
}

func collectSitemap(ctx context.Context, client *Client, location string, blacklist map[string]bool, result SiteMap, depth int) errors.E {
	if depth > maxSitemapDepth {
		return errors.WithDetails(errSitemapTooDeep, "url", location)
	}
	resp, errE := client.Get(ctx, location, nil)
	if errE != nil {
		return errE
	}
	if bytes.Contains(resp.Body, []byte("<sitemapindex")) {
		var children []string
		err := sitemap.ParseIndex(bytes.NewReader(resp.Body), func(entry sitemap.IndexEntry) error {
			children = append(children, entry.GetLocation())
			return nil
		})
		if err != nil {
			return errors.WithDetails(err, "url", location)
		}
		for _, child := range children {
			if errE := collectSitemap(ctx, client, child, blacklist, result, depth+1); errE != nil {
				return errE
			}
		}
		return nil
	}

	err := sitemap.Parse(bytes.NewReader(resp.Body), func(entry sitemap.Entry) error {
		name, ok := sitemapEntryName(entry.GetLocation(), blacklist)
		if !ok {
			return nil
		}
		var lastmod int64
		if modified := entry.GetLastModified(); modified != nil {
			lastmod = modified.UnixMilli()
		}
		result[name] = lastmod
		return nil
	})
	if err != nil {
		return errors.WithDetails(err, "url", location)
	}
	return nil
}

// sitemapEntryName maps a sitemap URL to a page name, rejecting entries the
// crawler must not treat as pages.
func sitemapEntryName(location string, blacklist map[string]bool) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", false
	}
	name := strings.Trim(parsed.Path, "/")
	if name == "" {
		return "", false
	}
	if name == "forum" || strings.HasPrefix(name, "forum/") || strings.HasPrefix(name, "forum:") {
		return "", false
	}
	if blacklist[name] {
		return "", false
	}
	return name, true
}
