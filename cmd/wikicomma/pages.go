// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gitlab.com/tozd/go/errors"
)

// defaultPagination is the page size requested from listing modules. The
// remote caps it server-side, so treat it as a hint, never as a termination
// condition.
const defaultPagination = 100

var errNoPageID = errors.Base("page id not found in page html")

// pageInfo is everything the rendered page itself reveals.
type pageInfo struct {
	PageID      int64
	Rating      *int
	Tags        []string
	Title       string
	Parent      string
	ForumThread *int64
}

// parsePageInfo extracts identifiers and display metadata from a rendered
// page. The page id lives in an inline script; everything else has stable
// selectors.
func parsePageInfo(doc *goquery.Document) (*pageInfo, errors.E) {
	html, err := doc.Html()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	match := pageIDPattern.FindStringSubmatch(html)
	if match == nil {
		return nil, errors.WithStack(errNoPageID)
	}
	pageID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	info := &pageInfo{PageID: pageID, Tags: []string{}}

	ratingText := strings.TrimSpace(doc.Find(".page-rate-widget-box .number").First().Text())
	if ratingText != "" {
		if rating, err := strconv.Atoi(strings.TrimPrefix(ratingText, "+")); err == nil {
			info.Rating = &rating
		}
	}

	doc.Find("div.page-tags a").Each(func(_ int, a *goquery.Selection) {
		if tag := strings.TrimSpace(a.Text()); tag != "" {
			info.Tags = append(info.Tags, tag)
		}
	})

	info.Title = strings.TrimSpace(doc.Find("div#page-title").First().Text())

	crumbs := doc.Find("div#breadcrumbs a")
	if crumbs.Length() > 0 {
		href, _ := crumbs.Last().Attr("href")
		info.Parent = strings.TrimPrefix(strings.TrimSpace(href), "/")
	}

	if href, ok := doc.Find("a#discuss-button").Attr("href"); ok {
		if match := threadIDPattern.FindStringSubmatch(href); match != nil {
			if threadID, err := strconv.ParseInt(match[1], 10, 64); err == nil {
				info.ForumThread = &threadID
			}
		}
	}
	return info, nil
}

var revisionRowPattern = regexp.MustCompile(`^revision-row-(\d+)$`)

// parseRevisionRows turns a PageRevisionListModule fragment into revision
// entries, newest first as served.
func parseRevisionRows(doc *goquery.Document) []PageRevision {
	var revisions []PageRevision
	doc.Find(`tr[id^="revision-row-"]`).Each(func(_ int, row *goquery.Selection) {
		id, _ := row.Attr("id")
		match := revisionRowPattern.FindStringSubmatch(id)
		if match == nil {
			return
		}
		global, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return
		}
		rev := PageRevision{GlobalRevision: global}

		numberText := strings.TrimSpace(row.Find("td").First().Text())
		numberText = strings.TrimSuffix(numberText, ".")
		if number, err := strconv.Atoi(numberText); err == nil {
			rev.Revision = number
		}

		var flags []string
		row.Find("span.spantip").Each(func(_ int, flag *goquery.Selection) {
			if text := strings.TrimSpace(flag.Text()); text != "" {
				flags = append(flags, text)
			}
		})
		rev.Flags = strings.Join(flags, " ")

		_, rev.Author = parsePrintuser(row.Find("span.printuser").First())
		rev.Stamp = parseOdate(row.Find("span.odate").First())
		rev.Commentary = strings.TrimSpace(row.Find("td").Last().Text())
		revisions = append(revisions, rev)
	})
	return revisions
}

// parseVotings reads WhoRatedPageModule output: printuser spans each
// followed by a +/- span.
func parseVotings(doc *goquery.Document) []Voting {
	votings := []Voting{}
	doc.Find("span.printuser").Each(func(_ int, user *goquery.Selection) {
		_, id := parsePrintuser(user)
		sign := strings.TrimSpace(user.NextFiltered("span").Text())
		votings = append(votings, Voting{UserID: id, Vote: sign == "+"})
	})
	return votings
}

var fileRowPattern = regexp.MustCompile(`^file-row-(\d+)$`)

// fileListEntry is one row of the page files table; details come from a
// separate per-file module call.
type fileListEntry struct {
	ID   int64
	Name string
	URL  string
}

func parseFileRows(doc *goquery.Document) []fileListEntry {
	var files []fileListEntry
	doc.Find(`tr[id^="file-row-"]`).Each(func(_ int, row *goquery.Selection) {
		id, _ := row.Attr("id")
		match := fileRowPattern.FindStringSubmatch(id)
		if match == nil {
			return
		}
		fileID, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return
		}
		link := row.Find("a").First()
		href, _ := link.Attr("href")
		files = append(files, fileListEntry{
			ID:   fileID,
			Name: strings.TrimSpace(link.Text()),
			URL:  href,
		})
	})
	return files
}

var sizeBytesPattern = regexp.MustCompile(`([\d,]+)\s*bytes`)

// fileInfo is the detail view of one file.
type fileInfo struct {
	Name      string
	Mime      string
	Size      string
	SizeBytes int64
	Author    *int64
	Stamp     int64
}

// parseFileInfo reads the FileInformationWinModule label/value table.
// Labels are matched case-insensitively on their leading word.
func parseFileInfo(doc *goquery.Document) *fileInfo {
	info := &fileInfo{}
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToLower(strings.TrimSpace(cells.First().Text()))
		value := cells.Eq(1)
		text := strings.TrimSpace(value.Text())
		switch {
		case strings.HasPrefix(label, "file name"):
			info.Name = text
		case strings.HasPrefix(label, "file type"), strings.HasPrefix(label, "mime"):
			info.Mime = text
		case strings.HasPrefix(label, "size"):
			info.Size = text
			if match := sizeBytesPattern.FindStringSubmatch(text); match != nil {
				digits := strings.ReplaceAll(match[1], ",", "")
				info.SizeBytes, _ = strconv.ParseInt(digits, 10, 64)
			}
		case strings.HasPrefix(label, "uploaded by"), strings.HasPrefix(label, "author"):
			_, info.Author = parsePrintuser(value.Find("span.printuser").First())
			if stamp := parseOdate(value.Find("span.odate").First()); stamp != 0 {
				info.Stamp = stamp
			}
		case strings.HasPrefix(label, "date"), strings.HasPrefix(label, "uploaded at"):
			info.Stamp = parseOdate(value.Find("span.odate").First())
		}
	})
	return info
}

// RevisionList fetches one page of a page's history listing.
func (w *Connector) RevisionList(ctx context.Context, pageID int64, page int) ([]PageRevision, errors.E) {
	resp, errE := w.Module(ctx, moduleRevisionList, map[string]string{
		"page_id": strconv.FormatInt(pageID, 10),
		"page":    strconv.Itoa(page),
		"perpage": strconv.Itoa(defaultPagination),
		"options": `{"all":true}`,
	})
	if errE != nil {
		return nil, errE
	}
	doc, errE := parseFragment(resp.Body)
	if errE != nil {
		return nil, errE
	}
	return parseRevisionRows(doc), nil
}

// RevisionsSince pages through the history listing and returns entries with
// a revision counter above localMax, newest first. localMax of -1 fetches
// the whole history. Pagination only stops on an empty page or once the
// listing reaches already-known revisions.
func (w *Connector) RevisionsSince(ctx context.Context, pageID int64, localMax int) ([]PageRevision, errors.E) {
	var collected []PageRevision
	for page := 1; ; page++ {
		rows, errE := w.RevisionList(ctx, pageID, page)
		if errE != nil {
			return nil, errE
		}
		if len(rows) == 0 {
			return collected, nil
		}
		for _, row := range rows {
			if row.Revision <= localMax {
				return collected, nil
			}
			collected = append(collected, row)
		}
	}
}

// RevisionSource fetches the wiki source of one revision by its site-wide
// id.
func (w *Connector) RevisionSource(ctx context.Context, globalRevision int64) (string, errors.E) {
	resp, errE := w.Module(ctx, modulePageSource, map[string]string{
		"revision_id": strconv.FormatInt(globalRevision, 10),
	})
	if errE != nil {
		return "", errE
	}
	doc, errE := parseFragment(resp.Body)
	if errE != nil {
		return "", errE
	}
	return pageSourceText(doc), nil
}

// PageVoters fetches who rated a page and how.
func (w *Connector) PageVoters(ctx context.Context, pageID int64) ([]Voting, errors.E) {
	resp, errE := w.Module(ctx, moduleWhoRated, map[string]string{
		"pageId": strconv.FormatInt(pageID, 10),
	})
	if errE != nil {
		return nil, errE
	}
	doc, errE := parseFragment(resp.Body)
	if errE != nil {
		return nil, errE
	}
	return parseVotings(doc), nil
}

// PageLockStatus reports whether a page carries an edit lock. The edit
// module answers with an error status for pages that cannot be edited at
// all; that also counts as locked.
func (w *Connector) PageLockStatus(ctx context.Context, pageID int64) (bool, errors.E) {
	resp, errE := w.ModuleSoft(ctx, modulePageEdit, map[string]string{
		"page_id": strconv.FormatInt(pageID, 10),
		"mode":    "page",
	})
	if errE != nil {
		return false, errE
	}
	if resp.Locked {
		return true, nil
	}
	return !resp.Ok(), nil
}

// PageFilesList fetches the file rows of a page.
func (w *Connector) PageFilesList(ctx context.Context, pageID int64) ([]fileListEntry, errors.E) {
	resp, errE := w.Module(ctx, modulePageFiles, map[string]string{
		"page_id": strconv.FormatInt(pageID, 10),
	})
	if errE != nil {
		return nil, errE
	}
	doc, errE := parseFragment(resp.Body)
	if errE != nil {
		return nil, errE
	}
	return parseFileRows(doc), nil
}

// FileDetails fetches the information window of one file.
func (w *Connector) FileDetails(ctx context.Context, fileID, pageID int64) (*fileInfo, errors.E) {
	resp, errE := w.Module(ctx, moduleFileInformation, map[string]string{
		"file_id": strconv.FormatInt(fileID, 10),
		"page_id": strconv.FormatInt(pageID, 10),
	})
	if errE != nil {
		return nil, errE
	}
	doc, errE := parseFragment(resp.Body)
	if errE != nil {
		return nil, errE
	}
	return parseFileInfo(doc), nil
}
