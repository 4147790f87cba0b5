// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package suwayomi

// Download states reported by the Suwayomi download queue.
const (
	StateQueued      = "QUEUED"
	StateDownloading = "DOWNLOADING"
	StateFinished    = "FINISHED"
	StateError       = "ERROR"
)

// Source identifies a content source installed on the Suwayomi server.
type Source struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Manga is a series as reported by a source.
type Manga struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	SourceID  string `json:"sourceId"`
	InLibrary bool   `json:"inLibrary"`
}

// Chapter is a single chapter of a manga.
type Chapter struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	ChapterNumber float64 `json:"chapterNumber"`
	MangaID       int     `json:"mangaId"`
}

// ChapterFile carries the fields Suwayomi derives a chapter's on-disk
// filename from. The server expects `<scanlator>_<name>.cbz`, or `<name>.cbz`
// when there is no scanlator.
type ChapterFile struct {
	Name      string `json:"name"`
	Scanlator string `json:"scanlator"`
}

// QueueItem is one entry of the server's download queue.
type QueueItem struct {
	Manga    Manga   `json:"manga"`
	Chapter  Chapter `json:"chapter"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Tries    int     `json:"tries"`
}

// Failed reports whether the entry is stuck in the error state.
func (q QueueItem) Failed() bool {
	return q.State == StateError
}
