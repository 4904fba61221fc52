// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// ProgressStatus tells the collector which crawl phase a site is in.
type ProgressStatus string

const (
	StatusBuildingSitemap ProgressStatus = "BuildingSitemap"
	StatusPagesMain       ProgressStatus = "PagesMain"
	StatusForumsMain      ProgressStatus = "ForumsMain"
	StatusPagesPending    ProgressStatus = "PagesPending"
	StatusFilesPending    ProgressStatus = "FilesPending"
	StatusCompressing     ProgressStatus = "Compressing"
	StatusFatalError      ProgressStatus = "FatalError"
	StatusOther           ProgressStatus = "Other"
)

// ErrorKind classifies reported failures.
type ErrorKind string

const (
	ErrKindClientOffline      ErrorKind = "ClientOffline"
	ErrKindMalformedSitemap   ErrorKind = "MalformedSitemap"
	ErrKindVoteFetch          ErrorKind = "VoteFetch"
	ErrKindFileFetch          ErrorKind = "FileFetch"
	ErrKindLockStatusFetch    ErrorKind = "LockStatusFetch"
	ErrKindForumListFetch     ErrorKind = "ForumListFetch"
	ErrKindForumPostFetch     ErrorKind = "ForumPostFetch"
	ErrKindFileMetaFetch      ErrorKind = "FileMetaFetch"
	ErrKindFileUnlink         ErrorKind = "FileUnlink"
	ErrKindForumCountMismatch ErrorKind = "ForumCountMismatch"
	ErrKindWikidotInternal    ErrorKind = "WikidotInternal"
	ErrKindWhatTheFuck        ErrorKind = "WhatTheFuck"
	ErrKindMetaMissing        ErrorKind = "MetaMissing"
	ErrKindGivingUp           ErrorKind = "GivingUp"
	ErrKindTokenInvalidated   ErrorKind = "TokenInvalidated"
)

type telemetryMessage struct {
	Tag       string         `json:"tag"`
	Type      string         `json:"type"`
	Total     *int           `json:"total,omitempty"`
	Status    ProgressStatus `json:"status,omitempty"`
	Done      *int           `json:"done,omitempty"`
	Postponed *int           `json:"postponed,omitempty"`
	ErrorKind ErrorKind      `json:"errorKind,omitempty"`
	Name      string         `json:"name,omitempty"`
	ErrorStr  string         `json:"errorStr,omitempty"`
}

// TelemetrySink streams one-way status messages to a collector as
// newline-delimited JSON over TCP. All methods are no-ops on a nil sink, so
// callers never need to check whether telemetry is configured. Send failures
// silence the sink for the rest of the run; telemetry must never take the
// crawl down with it.
type TelemetrySink struct {
	// Log receives the single warning emitted when the sink goes dead.
	Log zerolog.Logger

	tag string

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dead bool
}

// DialTelemetry connects to the collector and sends the handshake.
func DialTelemetry(address, tag string) (*TelemetrySink, errors.E) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &TelemetrySink{Log: zerolog.Nop(), tag: tag, conn: conn, enc: json.NewEncoder(conn)}
	s.send(telemetryMessage{Type: "Handshake"})
	return s, nil
}

func (s *TelemetrySink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.dead = true
	}
}

func (s *TelemetrySink) FinishSuccess() {
	s.send(telemetryMessage{Type: "FinishSuccess"})
}

func (s *TelemetrySink) PageDone() {
	s.send(telemetryMessage{Type: "PageDone"})
}

func (s *TelemetrySink) PagePostponed() {
	s.send(telemetryMessage{Type: "PagePostponed"})
}

func (s *TelemetrySink) Preflight(total int) {
	s.send(telemetryMessage{Type: "Preflight", Total: &total})
}

func (s *TelemetrySink) Progress(status ProgressStatus) {
	s.send(telemetryMessage{Type: "Progress", Status: status})
}

func (s *TelemetrySink) ProgressCounts(status ProgressStatus, done, postponed int) {
	s.send(telemetryMessage{Type: "Progress", Status: status, Done: &done, Postponed: &postponed})
}

func (s *TelemetrySink) ErrorFatal(kind ErrorKind, name, errStr string) {
	s.send(telemetryMessage{Type: "ErrorFatal", ErrorKind: kind, Name: name, ErrorStr: errStr})
}

func (s *TelemetrySink) ErrorNonfatal(kind ErrorKind, name, errStr string) {
	s.send(telemetryMessage{Type: "ErrorNonfatal", ErrorKind: kind, Name: name, ErrorStr: errStr})
}

func (s *TelemetrySink) send(msg telemetryMessage) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.conn == nil {
		return
	}
	msg.Tag = s.tag
	if err := s.enc.Encode(msg); err != nil {
		s.conn.Close()
		s.conn = nil
		s.dead = true
		s.Log.Warn().Err(err).Msg("telemetry send failed, disabling sink for this run")
	}
}
