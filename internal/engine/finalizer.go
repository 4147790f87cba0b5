// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"chapterfall/internal/library"
)

// finalize splices a completed fallback download into the canonical folder:
// locate the produced archive, copy it under the exact filename the server
// expects for the original chapter, drop the alternate copy, then dequeue and
// re-enqueue the original chapter so the server notices the file and marks it
// downloaded. Returns false when the archive could not be found or copied;
// the failure key then stays eligible for another pass.
func (e *Engine) finalize(ctx context.Context, altChapterID int, ad *activeDownload) bool {
	log.Info().
		Str("title", ad.originalTitle).
		Str("chapter", ad.originalChapterName).
		Msg("finalizing fallback download")

	// Let the server finish writing the archive.
	e.sleep(ctx, settleDelay)

	altFolder := e.catalog.NameOf(ctx, ad.sourceID)
	src, ok := library.FindArchive(e.cfg.DownloadsRoot, altFolder, ad.altTitle, ad.altChapterName, e.cfg.TitleMatchThreshold)
	if !ok {
		log.Warn().
			Str("source", altFolder).
			Str("title", ad.altTitle).
			Str("chapter", ad.altChapterName).
			Msg("could not find downloaded archive")
		return false
	}
	log.Info().Str("archive", src).Msg("found downloaded archive")

	destName := e.destinationFilename(ctx, ad)
	destFolder := e.catalog.NameOf(ctx, ad.destSourceID)
	destDir := filepath.Join(e.cfg.DownloadsRoot, destFolder, ad.originalTitle)

	destPath, err := library.CopyArchive(src, destDir, destName, e.cfg.ChownUID, e.cfg.ChownGID)
	if err != nil {
		log.Error().Err(err).Str("dest", destDir).Msg("could not copy recovered archive")
		return false
	}
	log.Info().Str("path", destPath).Msg("copied recovered archive")

	if err := library.RemoveConsumed(e.cfg.DownloadsRoot, src); err != nil {
		log.Warn().Err(err).Str("archive", src).Msg("could not remove alternate source copy")
	}
	if err := e.api.DeleteDownloadedChapter(ctx, altChapterID); err != nil {
		log.Warn().Err(err).Int("chapter", altChapterID).Msg("could not delete alternate chapter record")
	}

	if err := e.api.DequeueDownload(ctx, ad.originalChapterID); err != nil {
		log.Warn().Err(err).Int("chapter", ad.originalChapterID).Msg("could not dequeue original chapter")
	}
	e.sleep(ctx, reEnqueueDelay)
	if err := e.api.EnqueueDownload(ctx, ad.originalChapterID); err != nil {
		log.Warn().Err(err).Int("chapter", ad.originalChapterID).Msg("could not re-enqueue original chapter")
	}

	log.Info().
		Str("title", ad.originalTitle).
		Str("chapter", ad.originalChapterName).
		Str("destination", destFolder).
		Msg("recovered chapter spliced into canonical folder")
	return true
}

// destinationFilename asks the server for the original chapter's exact
// filename fields; when that fails, falls back to the destination source's
// configured prefix/transform pattern. The name has to match what the server
// derives itself or it will not associate the file with the chapter.
func (e *Engine) destinationFilename(ctx context.Context, ad *activeDownload) string {
	file, err := e.api.ChapterFilename(ctx, ad.originalChapterID)
	if err == nil && file.Name != "" {
		return library.ServerFilename(file)
	}
	if err != nil {
		log.Debug().Err(err).Int("chapter", ad.originalChapterID).
			Msg("filename lookup failed, using configured pattern")
	}
	pattern := e.cfg.FilenamePatterns[ad.destSourceID]
	return library.ExpectedFilename(pattern, ad.originalChapterName)
}
