// SPDX-License-Identifier: MIT

// Command wikicomma maintains incremental archives of Wikidot wikis: page
// metadata and revision histories, attached files, forum contents and user
// profiles, compacted into per-page and per-thread 7z containers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
)

var cli struct {
	Config  string `default:"config.json" env:"WIKICOMMA_CONFIG" help:"Path to the JSON configuration file." type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("wikicomma"),
		kong.Description("Incremental archiver for Wikidot wikis."),
	)

	level := zerolog.InfoLevel
	if cli.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg, errE := LoadConfig(cli.Config)
	if errE != nil {
		fmt.Fprintf(os.Stderr, "wikicomma: %s\n", errE)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var telemetry *TelemetrySink
	if cfg.Telemetry != nil {
		telemetry, errE = DialTelemetry(cfg.Telemetry.Address, cfg.Telemetry.Tag)
		if errE != nil {
			log.Warn().Err(errE).Msg("telemetry collector unreachable, continuing without")
			telemetry = nil
		} else {
			telemetry.Log = log
		}
	}
	defer telemetry.Close()

	deps := EngineDeps{
		Telemetry:   telemetry,
		Pool:        &workerPool{MaxJobs: cfg.MaxJobs(), Delay: cfg.Delay()},
		Throttle:    cfg.Throttle(),
		SitemapLock: &sync.Mutex{},
		Log:         log,
	}
	if archiver, errE := FindSevenZip(); errE != nil {
		log.Warn().Err(errE).Msg("no 7z binary on PATH, archives will stay uncompacted")
	} else {
		deps.Archiver = archiver
	}
	if cfg.S3Mirror != nil {
		mirror, errE := NewMirror(cfg.S3Mirror, log)
		if errE != nil {
			fmt.Fprintf(os.Stderr, "wikicomma: %s\n", errE)
			os.Exit(1)
		}
		deps.Mirror = mirror
	}

	var group sync.WaitGroup
	var failed atomic.Int64
	for _, wiki := range cfg.Wikis {
		wiki := wiki
		group.Add(1)
		go func() {
			defer group.Done()
			engine, errE := NewSiteEngine(wiki, cfg, deps)
			if errE != nil {
				log.Err(errE).Str("wiki", wiki.Name).Msg("could not set up site")
				failed.Add(1)
				return
			}
			if errE := engine.Run(ctx); errE != nil {
				log.Err(errE).Str("wiki", wiki.Name).Msg("site run failed")
				failed.Add(1)
			}
		}()
	}
	group.Wait()

	if failed.Load() == 0 {
		telemetry.FinishSuccess()
		log.Info().Msg("all sites archived")
	} else {
		log.Warn().Int64("failed", failed.Load()).Msg("finished with failed sites")
	}
}
