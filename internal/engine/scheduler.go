// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"chapterfall/internal/suwayomi"
)

// tryStart makes one full pass over the source priority list for a failed
// item, skipping the destination source and anything already tried. Every
// source visited in the pass is recorded as tried whether it yielded a
// download or not, so a pass that starts nothing counts as a complete
// traversal. Returns the alternate chapter id when a download was started.
func (e *Engine) tryStart(ctx context.Context, item suwayomi.QueueItem, rec *retryRecord) (int, bool) {
	log.Info().
		Str("title", item.Manga.Title).
		Str("chapter", item.Chapter.Name).
		Str("source", e.catalog.NameOf(ctx, item.Manga.SourceID)).
		Msg("processing failed download")

	for _, sourceID := range e.cfg.SourcePriority {
		if sourceID == rec.destSourceID {
			continue
		}
		if _, tried := rec.tried[sourceID]; tried {
			continue
		}

		sourceName := e.catalog.NameOf(ctx, sourceID)
		log.Info().Str("source", sourceName).Msg("trying alternate source")

		alt, outcome := e.searchAlternate(ctx, item, sourceID)
		if outcome != outcomeFound {
			log.Info().Str("source", sourceName).Str("outcome", outcome.String()).Msg("source abandoned")
			rec.tried[sourceID] = struct{}{}
			continue
		}

		log.Info().
			Str("source", sourceName).
			Str("match", alt.title).
			Float64("score", alt.score).
			Str("altChapter", alt.chapterName).
			Msg("alternate chapter located")

		if err := e.api.EnqueueDownload(ctx, alt.chapterID); err != nil {
			log.Warn().Err(err).Str("source", sourceName).Int("chapter", alt.chapterID).
				Msg("could not enqueue alternate download")
			rec.tried[sourceID] = struct{}{}
			continue
		}
		// Some server versions reject the explicit start mutation; the
		// enqueue alone is enough there.
		if err := e.api.StartDownloads(ctx); err != nil {
			log.Debug().Err(err).Msg("start downloads mutation not accepted")
		}

		rec.tried[sourceID] = struct{}{}
		e.active[alt.chapterID] = &activeDownload{
			key:                 failureKey(item),
			sourceID:            sourceID,
			altTitle:            alt.title,
			altChapterName:      alt.chapterName,
			started:             e.now(),
			destSourceID:        rec.destSourceID,
			originalTitle:       item.Manga.Title,
			originalChapterName: item.Chapter.Name,
			originalChapterID:   item.Chapter.ID,
		}
		log.Info().Str("source", sourceName).Msg("fallback download started")
		return alt.chapterID, true
	}

	log.Warn().
		Str("title", item.Manga.Title).
		Str("chapter", item.Chapter.Name).
		Msg("no alternate source yielded the chapter")
	return 0, false
}

// reconcileActive checks every in-flight fallback against a fresh queue
// snapshot. Completed downloads are returned for finalization; timed out or
// errored ones are dropped so their failure key becomes eligible for another
// pass.
func (e *Engine) reconcileActive(queue []suwayomi.QueueItem) map[int]*activeDownload {
	completed := make(map[int]*activeDownload)
	if len(e.active) == 0 {
		return completed
	}

	byChapter := make(map[int]suwayomi.QueueItem, len(queue))
	for _, item := range queue {
		byChapter[item.Chapter.ID] = item
	}

	for altChapterID, ad := range e.active {
		if e.now().Sub(ad.started) > e.cfg.DownloadWaitTimeout {
			log.Warn().
				Str("title", ad.altTitle).
				Str("chapter", ad.altChapterName).
				Dur("timeout", e.cfg.DownloadWaitTimeout).
				Msg("fallback download timed out")
			delete(e.active, altChapterID)
			continue
		}

		item, present := byChapter[altChapterID]
		if !present || item.State == suwayomi.StateFinished {
			completed[altChapterID] = ad
			delete(e.active, altChapterID)
			continue
		}
		if item.State == suwayomi.StateError {
			log.Warn().
				Str("title", ad.altTitle).
				Str("chapter", ad.altChapterName).
				Msg("fallback download errored on server")
			delete(e.active, altChapterID)
		}
	}
	return completed
}

// waitForDownload blocks until the alternate chapter leaves the queue or
// finishes, polling at the configured cadence. Used only in synchronous mode
// where at most one fallback is in flight.
func (e *Engine) waitForDownload(ctx context.Context, altChapterID int, ad *activeDownload) bool {
	deadline := e.now().Add(e.cfg.DownloadWaitTimeout)
	for e.now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}

		queue, err := e.api.DownloadStatus(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("queue poll failed while waiting for download")
			e.sleep(ctx, e.cfg.DownloadCheckInterval)
			continue
		}

		found := false
		for _, item := range queue {
			if item.Chapter.ID != altChapterID {
				continue
			}
			found = true
			switch item.State {
			case suwayomi.StateFinished:
				return true
			case suwayomi.StateError:
				log.Warn().Str("chapter", ad.altChapterName).Msg("fallback download errored on server")
				return false
			default:
				log.Debug().
					Str("chapter", ad.altChapterName).
					Str("state", item.State).
					Float64("progress", item.Progress*100).
					Msg("download in progress")
			}
			break
		}
		if !found {
			// Gone from the queue entirely, which the server does once a
			// download completed and was flushed.
			return true
		}

		e.sleep(ctx, e.cfg.DownloadCheckInterval)
	}

	log.Warn().Str("chapter", ad.altChapterName).Msg("timed out waiting for fallback download")
	return false
}
