// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"math"

	"github.com/rs/zerolog/log"

	"chapterfall/internal/matcher"
	"chapterfall/internal/suwayomi"
)

// searchOutcome classifies a single-source search so "nothing there" and
// "source unreachable" stay distinguishable without sentinel errors.
type searchOutcome int

const (
	outcomeFound searchOutcome = iota
	outcomeNoResults
	outcomeNoTitleMatch
	outcomeNoChapters
	outcomeNoChapterMatch
	outcomeTransportError
)

func (o searchOutcome) String() string {
	switch o {
	case outcomeFound:
		return "found"
	case outcomeNoResults:
		return "no results"
	case outcomeNoTitleMatch:
		return "no matching title"
	case outcomeNoChapters:
		return "no chapters"
	case outcomeNoChapterMatch:
		return "chapter not found"
	case outcomeTransportError:
		return "transport error"
	default:
		return "unknown"
	}
}

// alternate is a chapter located on another source that matches the failed
// one.
type alternate struct {
	mangaID     int
	title       string
	score       float64
	chapterID   int
	chapterName string
}

// searchAlternate runs the per-source pipeline: search the title, pick the
// best fuzzy match, fetch its chapters and find the one whose number matches
// the failed chapter within tolerance. Any empty step abandons the source.
func (e *Engine) searchAlternate(ctx context.Context, item suwayomi.QueueItem, sourceID string) (alternate, searchOutcome) {
	results, err := e.api.SearchManga(ctx, sourceID, item.Manga.Title)
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID).Str("title", item.Manga.Title).Msg("search failed")
		return alternate{}, outcomeTransportError
	}
	if len(results) == 0 {
		return alternate{}, outcomeNoResults
	}

	titles := make([]string, len(results))
	for i, result := range results {
		titles[i] = result.Title
	}
	idx, score, ok := matcher.BestMatch(item.Manga.Title, titles, e.cfg.TitleMatchThreshold)
	if !ok {
		return alternate{}, outcomeNoTitleMatch
	}
	match := results[idx]

	chapters, err := e.api.FetchChapters(ctx, match.ID)
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID).Int("manga", match.ID).Msg("chapter fetch failed")
		return alternate{}, outcomeTransportError
	}
	if len(chapters) == 0 {
		return alternate{}, outcomeNoChapters
	}

	// The closest number within tolerance wins, so an exact hit beats a
	// neighbor sitting right on the tolerance edge.
	bestIdx := -1
	bestDiff := chapterTolerance
	for i, chapter := range chapters {
		diff := math.Abs(chapter.ChapterNumber - item.Chapter.ChapterNumber)
		if diff < bestDiff {
			bestIdx = i
			bestDiff = diff
		}
	}
	if bestIdx < 0 {
		return alternate{}, outcomeNoChapterMatch
	}
	chapter := chapters[bestIdx]
	return alternate{
		mangaID:     match.ID,
		title:       match.Title,
		score:       score,
		chapterID:   chapter.ID,
		chapterName: chapter.Name,
	}, outcomeFound
}
