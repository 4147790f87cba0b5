// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine implements the fallback recovery loop: it watches the
// Suwayomi download queue for chapters stuck in the error state, downloads
// them from alternate sources and splices the result into the canonical
// source folder.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chapterfall/internal/library"
	"chapterfall/internal/metrics"
	"chapterfall/internal/suwayomi"
)

const (
	// settleDelay gives the server time to flush a finished archive to disk
	// before the finalizer goes looking for it.
	settleDelay = 2 * time.Second
	// reEnqueueDelay separates the dequeue of the original chapter from its
	// re-enqueue so the server observes the two mutations in order.
	reEnqueueDelay = 1 * time.Second
	// startDelay spaces out consecutive fallback starts within one cycle.
	startDelay = 2 * time.Second

	// chapterTolerance absorbs floating point noise in fractional chapter
	// numbers when matching against an alternate source's chapter list.
	chapterTolerance = 0.01

	// processedLimit bounds the processed-failures set; once crossed the set
	// is cleared wholesale.
	processedLimit = 1000
)

// API is the slice of the Suwayomi client the engine drives.
type API interface {
	DownloadStatus(ctx context.Context) ([]suwayomi.QueueItem, error)
	SearchManga(ctx context.Context, sourceID, title string) ([]suwayomi.Manga, error)
	FetchChapters(ctx context.Context, mangaID int) ([]suwayomi.Chapter, error)
	EnqueueDownload(ctx context.Context, chapterID int) error
	StartDownloads(ctx context.Context) error
	DequeueDownload(ctx context.Context, chapterID int) error
	DeleteDownloadedChapter(ctx context.Context, chapterID int) error
	ChapterFilename(ctx context.Context, chapterID int) (suwayomi.ChapterFile, error)
}

type sourceCatalog interface {
	NameOf(ctx context.Context, id string) string
}

type destinationResolver interface {
	ResolveDestination(ctx context.Context, title, defaultSourceID string) string
}

// Config carries the engine's tunables, durations already parsed.
type Config struct {
	DownloadsRoot          string
	ChownUID               int
	ChownGID               int
	SourcePriority         []string
	FilenamePatterns       map[string]library.Pattern
	CheckInterval          time.Duration
	TitleMatchThreshold    float64
	DownloadWaitTimeout    time.Duration
	DownloadCheckInterval  time.Duration
	MaxConcurrentFallbacks int
	MaxRetryLoops          int
	DetectionGracePeriod   time.Duration
}

// retryRecord tracks one failed chapter across retry passes. destSourceID is
// frozen at first sighting so later queue snapshots cannot move the
// destination folder mid-recovery.
type retryRecord struct {
	destSourceID string
	tried        map[string]struct{}
	loops        int
}

// activeDownload tracks a fallback download in flight on the server, keyed in
// the engine by the alternate chapter id.
type activeDownload struct {
	key                 string
	sourceID            string
	altTitle            string
	altChapterName      string
	started             time.Time
	destSourceID        string
	originalTitle       string
	originalChapterName string
	originalChapterID   int
}

// Status is a point-in-time snapshot served by the status endpoint.
type Status struct {
	ActiveDownloads   int       `json:"activeDownloads"`
	PendingDetections int       `json:"pendingDetections"`
	TrackedFailures   int       `json:"trackedFailures"`
	ProcessedFailures int       `json:"processedFailures"`
	Recovered         int64     `json:"recovered"`
	GaveUp            int64     `json:"gaveUp"`
	LastCycle         time.Time `json:"lastCycle"`
}

// Engine owns all mutable recovery state. The state maps are touched only
// from the poll loop; the mutex exists solely for the Status snapshot read by
// the HTTP handler.
type Engine struct {
	cfg      Config
	api      API
	catalog  sourceCatalog
	resolver destinationResolver
	metrics  *metrics.Collector

	retries   map[string]*retryRecord
	active    map[int]*activeDownload
	pending   map[string]time.Time
	processed map[string]struct{}

	recovered int64
	gaveUp    int64

	statusMu sync.Mutex
	status   Status

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg Config, api API, catalog sourceCatalog, resolver destinationResolver, collector *metrics.Collector) *Engine {
	return &Engine{
		cfg:       cfg,
		api:       api,
		catalog:   catalog,
		resolver:  resolver,
		metrics:   collector,
		retries:   make(map[string]*retryRecord),
		active:    make(map[int]*activeDownload),
		pending:   make(map[string]time.Time),
		processed: make(map[string]struct{}),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Start runs the poll loop until ctx is cancelled. A cycle that errors or
// panics is logged and the loop keeps its schedule.
func (e *Engine) Start(ctx context.Context) error {
	log.Info().
		Dur("interval", e.cfg.CheckInterval).
		Int("maxConcurrent", e.cfg.MaxConcurrentFallbacks).
		Strs("priority", e.cfg.SourcePriority).
		Msg("fallback engine started")

	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		e.safeCycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("cycle panicked")
		}
	}()
	e.runCycle(ctx)
}

// runCycle executes one full pass: reconcile in-flight downloads, finalize
// completed ones, settle pending detections, then start new fallbacks up to
// the concurrency cap.
func (e *Engine) runCycle(ctx context.Context) {
	queue, err := e.api.DownloadStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not fetch download queue")
		return
	}

	completed := e.reconcileActive(queue)
	for altChapterID, ad := range completed {
		if e.finalize(ctx, altChapterID, ad) {
			delete(e.retries, ad.key)
			e.pending[ad.key] = e.now()
		}
	}

	failed := make(map[string]suwayomi.QueueItem)
	var order []suwayomi.QueueItem
	for _, item := range queue {
		if item.Failed() {
			failed[failureKey(item)] = item
			order = append(order, item)
		}
	}

	e.settleDetections(failed)
	e.startFallbacks(ctx, order)

	if len(e.processed) > processedLimit {
		log.Debug().Int("size", len(e.processed)).Msg("clearing processed failure set")
		e.processed = make(map[string]struct{})
	}

	e.metrics.SetActiveFallbacks(len(e.active))
	e.publishStatus()
}

// startFallbacks walks the failed queue entries in order and starts new
// fallback downloads while slots remain. In synchronous mode (cap <= 1) each
// started download is waited on and finalized inline.
func (e *Engine) startFallbacks(ctx context.Context, failedItems []suwayomi.QueueItem) {
	syncMode := e.cfg.MaxConcurrentFallbacks <= 1
	startedAny := false

	for _, item := range failedItems {
		if len(e.active) >= e.cfg.MaxConcurrentFallbacks {
			log.Info().
				Int("active", len(e.active)).
				Int("cap", e.cfg.MaxConcurrentFallbacks).
				Msg("max concurrent fallbacks reached, waiting")
			return
		}

		key := failureKey(item)
		if _, done := e.processed[key]; done {
			continue
		}
		if _, waiting := e.pending[key]; waiting {
			continue
		}
		if e.hasActiveFor(key) {
			continue
		}

		rec, exists := e.retries[key]
		if !exists {
			dest := e.resolver.ResolveDestination(ctx, item.Manga.Title, item.Manga.SourceID)
			rec = &retryRecord{destSourceID: dest, tried: make(map[string]struct{})}
			e.retries[key] = rec
			if dest != item.Manga.SourceID {
				log.Info().
					Str("title", item.Manga.Title).
					Str("queueSource", e.catalog.NameOf(ctx, item.Manga.SourceID)).
					Str("destination", e.catalog.NameOf(ctx, dest)).
					Msg("destination overridden to existing source folder")
			}
		}

		if startedAny {
			e.sleep(ctx, startDelay)
		}

		altChapterID, started := e.tryStart(ctx, item, rec)
		if !started {
			e.advanceRetry(ctx, key, item, rec)
			continue
		}
		startedAny = true

		if syncMode {
			ad := e.active[altChapterID]
			delete(e.active, altChapterID)
			if e.waitForDownload(ctx, altChapterID, ad) && e.finalize(ctx, altChapterID, ad) {
				delete(e.retries, ad.key)
				e.pending[ad.key] = e.now()
			}
		}
	}
}

// advanceRetry handles a tryStart pass that started nothing: when every
// non-destination source has been tried the loop counter advances, and after
// maxRetryLoops full passes the failure is abandoned for good.
func (e *Engine) advanceRetry(ctx context.Context, key string, item suwayomi.QueueItem, rec *retryRecord) {
	if !e.exhausted(rec) {
		return
	}

	rec.loops++
	if rec.loops >= e.cfg.MaxRetryLoops {
		log.Warn().
			Str("title", item.Manga.Title).
			Str("chapter", item.Chapter.Name).
			Int("loops", rec.loops).
			Msg("gave up: all sources exhausted")
		delete(e.retries, key)
		e.processed[key] = struct{}{}
		e.gaveUp++
		e.metrics.GaveUp()
		return
	}

	log.Info().
		Str("title", item.Manga.Title).
		Str("chapter", item.Chapter.Name).
		Int("loop", rec.loops).
		Int("maxLoops", e.cfg.MaxRetryLoops).
		Msg("all sources tried, starting another pass")
	rec.tried = make(map[string]struct{})
}

// exhausted reports whether every source except the destination has been
// tried in the current pass.
func (e *Engine) exhausted(rec *retryRecord) bool {
	for _, sourceID := range e.cfg.SourcePriority {
		if sourceID == rec.destSourceID {
			continue
		}
		if _, tried := rec.tried[sourceID]; !tried {
			return false
		}
	}
	return true
}

// settleDetections checks every key awaiting server acknowledgement: gone
// from the failed queue means recovered; still failed past the grace period
// means the server never recognized the file.
func (e *Engine) settleDetections(failed map[string]suwayomi.QueueItem) {
	for key, since := range e.pending {
		if _, stillFailed := failed[key]; !stillFailed {
			log.Info().Str("key", key).Msg("server acknowledged recovered chapter")
			delete(e.pending, key)
			e.processed[key] = struct{}{}
			e.recovered++
			e.metrics.Recovered()
			continue
		}
		if e.now().Sub(since) > e.cfg.DetectionGracePeriod {
			log.Warn().
				Str("key", key).
				Dur("grace", e.cfg.DetectionGracePeriod).
				Msg("server never acknowledged recovered file, giving up on detection")
			delete(e.pending, key)
			e.processed[key] = struct{}{}
			e.metrics.DetectionTimeout()
		}
	}
}

func (e *Engine) hasActiveFor(key string) bool {
	for _, ad := range e.active {
		if ad.key == key {
			return true
		}
	}
	return false
}

func (e *Engine) publishStatus() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status = Status{
		ActiveDownloads:   len(e.active),
		PendingDetections: len(e.pending),
		TrackedFailures:   len(e.retries),
		ProcessedFailures: len(e.processed),
		Recovered:         e.recovered,
		GaveUp:            e.gaveUp,
		LastCycle:         e.now(),
	}
}

// Status returns the snapshot published at the end of the last cycle. Safe
// to call from other goroutines.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func failureKey(item suwayomi.QueueItem) string {
	return fmt.Sprintf("%d_%d", item.Manga.ID, item.Chapter.ID)
}
