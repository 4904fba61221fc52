// SPDX-License-Identifier: MIT

// Command archive-webserver serves a read-only status view over a WikiComma
// archive tree: an HTML summary, a JSON snapshot and Prometheus metrics. It
// never writes to the tree and can run next to the crawler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

var cli struct {
	Base string `default:"." env:"WIKICOMMA_BASE" help:"Archive base directory to serve." type:"existingdir"`
	Port int    `default:"8080" env:"PORT" help:"Port for serving HTTP requests."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("archive-webserver"),
		kong.Description("Read-only status server over a WikiComma archive."),
	)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	loader, err := NewDataLoader(cli.Base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive-webserver: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go loader.Watch(ctx, log)

	prometheus.MustRegister(newStatusCollector(loader))

	server := &Webserver{loader: loader}
	mux := http.NewServeMux()
	mux.HandleFunc("/", server.HandleMain)
	mux.HandleFunc("/status.json", server.HandleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(cli.Port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdown)
	}()

	log.Info().Int("port", cli.Port).Str("base", cli.Base).Msg("listening for http requests")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "archive-webserver: %s\n", err)
		os.Exit(1)
	}
}

type Webserver struct {
	loader *DataLoader
}

const mainHeader = `<html>
<head>
<style>
body { font-family: sans-serif; margin: 2em; }
h1 { color: #803; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.3em 0.8em; text-align: right; }
td:first-child, th:first-child { text-align: left; }
</style>
</head>
<body><h1>WikiComma archive</h1>

<p>Read-only view of the archive tree. Machine-readable:
<a href="/status.json">status.json</a>, <a href="/metrics">metrics</a>.</p>

<table>
<tr><th>wiki</th><th>pages</th><th>archives</th><th>files</th>
<th>categories</th><th>threads</th><th>pending</th><th>users</th><th>bytes</th></tr>
`

func (ws *Webserver) HandleMain(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	snapshot := ws.loader.Get()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, mainHeader)
	for _, wiki := range snapshot.Wikis {
		pending := wiki.PendingPages + wiki.PendingFiles + wiki.PendingRevisions
		fmt.Fprintf(w,
			"<tr><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td></tr>\n",
			html.EscapeString(wiki.Name), wiki.Pages, wiki.PageArchives, wiki.Files,
			wiki.ForumCategories, wiki.ForumThreads, pending, wiki.UserProfiles, wiki.DiskBytes)
	}
	fmt.Fprintf(w, "</table>\n<p>Scanned %s.</p>\n</body></html>\n",
		html.EscapeString(snapshot.ScannedAt.Format(time.RFC3339)))
}

func (ws *Webserver) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	_ = encoder.Encode(ws.loader.Get())
}

// statusCollector exposes the latest snapshot as Prometheus gauges, one
// labelled series per wiki, read fresh at scrape time.
type statusCollector struct {
	loader  *DataLoader
	scanned *prometheus.Desc
	metrics []wikiMetric
}

type wikiMetric struct {
	desc  *prometheus.Desc
	value func(w WikiStatus) float64
}

func newStatusCollector(loader *DataLoader) *statusCollector {
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, []string{"wiki"}, nil)
	}
	return &statusCollector{
		loader: loader,
		scanned: prometheus.NewDesc("wikicomma_last_scan_timestamp_seconds",
			"When the archive tree was last scanned.", nil, nil),
		metrics: []wikiMetric{
			{gauge("wikicomma_pages", "Pages with archived metadata."),
				func(w WikiStatus) float64 { return float64(w.Pages) }},
			{gauge("wikicomma_page_archives", "Compacted page archives."),
				func(w WikiStatus) float64 { return float64(w.PageArchives) }},
			{gauge("wikicomma_files", "Downloaded attached files."),
				func(w WikiStatus) float64 { return float64(w.Files) }},
			{gauge("wikicomma_forum_categories", "Archived forum categories."),
				func(w WikiStatus) float64 { return float64(w.ForumCategories) }},
			{gauge("wikicomma_forum_threads", "Archived forum threads."),
				func(w WikiStatus) float64 { return float64(w.ForumThreads) }},
			{gauge("wikicomma_pending_pages", "Pages queued for retry."),
				func(w WikiStatus) float64 { return float64(w.PendingPages) }},
			{gauge("wikicomma_pending_files", "File downloads queued for retry."),
				func(w WikiStatus) float64 { return float64(w.PendingFiles) }},
			{gauge("wikicomma_pending_revisions", "Revision bodies queued for retry."),
				func(w WikiStatus) float64 { return float64(w.PendingRevisions) }},
			{gauge("wikicomma_user_profiles", "Cached user profiles."),
				func(w WikiStatus) float64 { return float64(w.UserProfiles) }},
			{gauge("wikicomma_disk_bytes", "Bytes stored for the wiki."),
				func(w WikiStatus) float64 { return float64(w.DiskBytes) }},
		},
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scanned
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.loader.Get()
	ch <- prometheus.MustNewConstMetric(c.scanned, prometheus.GaugeValue,
		float64(snapshot.ScannedAt.Unix()))
	for _, wiki := range snapshot.Wikis {
		for _, metric := range c.metrics {
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue,
				metric.value(wiki), wiki.Name)
		}
	}
}
