// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterfall/internal/library"
	"chapterfall/internal/suwayomi"
)

type fakeAPI struct {
	queues   [][]suwayomi.QueueItem
	queueIdx int

	searches  map[string][]suwayomi.Manga
	searchLog []string
	chapters  map[int][]suwayomi.Chapter

	filenames   map[int]suwayomi.ChapterFile
	filenameErr error

	enqueued   []int
	dequeued   []int
	deleted    []int
	startCalls int
}

func searchKey(sourceID, title string) string { return sourceID + "|" + title }

func (f *fakeAPI) DownloadStatus(context.Context) ([]suwayomi.QueueItem, error) {
	if len(f.queues) == 0 {
		return nil, nil
	}
	q := f.queues[f.queueIdx]
	if f.queueIdx < len(f.queues)-1 {
		f.queueIdx++
	}
	return q, nil
}

func (f *fakeAPI) SearchManga(_ context.Context, sourceID, title string) ([]suwayomi.Manga, error) {
	f.searchLog = append(f.searchLog, sourceID)
	return f.searches[searchKey(sourceID, title)], nil
}

func (f *fakeAPI) FetchChapters(_ context.Context, mangaID int) ([]suwayomi.Chapter, error) {
	return f.chapters[mangaID], nil
}

func (f *fakeAPI) EnqueueDownload(_ context.Context, chapterID int) error {
	f.enqueued = append(f.enqueued, chapterID)
	return nil
}

func (f *fakeAPI) StartDownloads(context.Context) error {
	f.startCalls++
	return nil
}

func (f *fakeAPI) DequeueDownload(_ context.Context, chapterID int) error {
	f.dequeued = append(f.dequeued, chapterID)
	return nil
}

func (f *fakeAPI) DeleteDownloadedChapter(_ context.Context, chapterID int) error {
	f.deleted = append(f.deleted, chapterID)
	return nil
}

func (f *fakeAPI) ChapterFilename(_ context.Context, chapterID int) (suwayomi.ChapterFile, error) {
	if f.filenameErr != nil {
		return suwayomi.ChapterFile{}, f.filenameErr
	}
	return f.filenames[chapterID], nil
}

// setQueue replaces the queue snapshot returned to all following polls.
func (f *fakeAPI) setQueue(items ...suwayomi.QueueItem) {
	f.queues = [][]suwayomi.QueueItem{items}
	f.queueIdx = 0
}

type fakeCatalog map[string]string

func (f fakeCatalog) NameOf(_ context.Context, id string) string {
	if name, ok := f[id]; ok {
		return name
	}
	return "Unknown (" + id + ")"
}

type fixedDestination string

func (f fixedDestination) ResolveDestination(_ context.Context, _, defaultSourceID string) string {
	if f != "" {
		return string(f)
	}
	return defaultSourceID
}

type staticIDs map[string]string

func (s staticIDs) IDOfName(_ context.Context, name string) (string, bool) {
	id, ok := s[name]
	return id, ok
}

func testConfig(root string) Config {
	return Config{
		DownloadsRoot:          root,
		ChownUID:               -1,
		ChownGID:               -1,
		SourcePriority:         []string{"P2", "P3"},
		FilenamePatterns:       map[string]library.Pattern{},
		CheckInterval:          time.Minute,
		TitleMatchThreshold:    0.85,
		DownloadWaitTimeout:    5 * time.Minute,
		DownloadCheckInterval:  time.Second,
		MaxConcurrentFallbacks: 3,
		MaxRetryLoops:          3,
		DetectionGracePeriod:   2 * time.Minute,
	}
}

func testCatalog() fakeCatalog {
	return fakeCatalog{
		"P1": "Source One",
		"P2": "Source Two",
		"P3": "Source Three",
		"P4": "Source Four",
	}
}

// newTestEngine wires an engine with stubbed sleep and a settable clock.
func newTestEngine(cfg Config, api *fakeAPI, resolver destinationResolver) (*Engine, *time.Time) {
	e := New(cfg, api, testCatalog(), resolver, nil)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	e.sleep = func(context.Context, time.Duration) {}
	return e, &clock
}

func failedQueueItem(mangaID, chapterID int, title, sourceID, chapterName string, num float64) suwayomi.QueueItem {
	return suwayomi.QueueItem{
		Manga:   suwayomi.Manga{ID: mangaID, Title: title, SourceID: sourceID},
		Chapter: suwayomi.Chapter{ID: chapterID, Name: chapterName, ChapterNumber: num, MangaID: mangaID},
		State:   suwayomi.StateError,
	}
}

func TestRecoveryEndToEnd(t *testing.T) {
	root := t.TempDir()
	original := failedQueueItem(1, 100, "Solo Leveling", "P1", "Chapter 42", 42.0)

	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{
			// P2 returns nothing; P3 has the series.
			searchKey("P3", "Solo Leveling"): {{ID: 55, Title: "Solo Leveling", SourceID: "P3"}},
		},
		chapters: map[int][]suwayomi.Chapter{
			55: {{ID: 555, Name: "Chapter 42", ChapterNumber: 42.0, MangaID: 55}},
		},
		filenames: map[int]suwayomi.ChapterFile{
			100: {Name: "Chapter 42", Scanlator: "Asura"},
		},
	}
	api.setQueue(original)

	e, _ := newTestEngine(testConfig(root), api, fixedDestination(""))

	// Cycle 1: the fallback starts on P3.
	e.runCycle(context.Background())
	require.Contains(t, e.active, 555)
	assert.Equal(t, []int{555}, api.enqueued)
	assert.Equal(t, "P3", e.active[555].sourceID)
	assert.Equal(t, "P1", e.active[555].destSourceID)

	// The server finishes the download and drops it from the queue.
	altDir := filepath.Join(root, "Source Three", "Solo Leveling")
	require.NoError(t, os.MkdirAll(altDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(altDir, "Chapter 42.cbz"), []byte("pages"), 0644))
	api.setQueue(original)

	// Cycle 2: reconcile, finalize, splice.
	e.runCycle(context.Background())
	assert.Empty(t, e.active)

	destPath := filepath.Join(root, "Source One", "Solo Leveling", "Asura_Chapter 42.cbz")
	data, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "pages", string(data))

	// The consumed alternate copy and its emptied folders are gone.
	_, err = os.Stat(filepath.Join(root, "Source Three"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []int{555}, api.deleted)
	assert.Equal(t, []int{100}, api.dequeued)
	assert.Equal(t, []int{555, 100}, api.enqueued)
	assert.Len(t, e.pending, 1)
	assert.Empty(t, e.retries)

	// Cycle 3: the original chapter left the failed queue, recovery confirmed.
	api.setQueue()
	e.runCycle(context.Background())
	assert.Empty(t, e.pending)
	assert.Contains(t, e.processed, "1_100")
	assert.Equal(t, int64(1), e.Status().Recovered)
}

func TestDestinationFollowsFullestFolder(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 50; i++ {
		dir := filepath.Join(root, "Source One", "Naruto")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("ch%d.cbz", i)), []byte("x"), 0644))
	}
	for i := 0; i < 3; i++ {
		dir := filepath.Join(root, "Source Four", "Naruto")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("ch%d.cbz", i)), []byte("x"), 0644))
	}

	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{
			searchKey("P2", "Naruto"): {{ID: 70, Title: "Naruto", SourceID: "P2"}},
		},
		chapters: map[int][]suwayomi.Chapter{
			70: {{ID: 700, Name: "Chapter 12", ChapterNumber: 12.0, MangaID: 70}},
		},
	}
	// The queue blames P4, but the bulk of the series lives under P1.
	api.setQueue(failedQueueItem(2, 200, "Naruto", "P4", "Chapter 12", 12.0))

	cfg := testConfig(root)
	cfg.SourcePriority = []string{"P2"}
	resolver := library.NewResolver(root, 0.85, staticIDs{
		"Source One":  "P1",
		"Source Four": "P4",
	})
	e, _ := newTestEngine(cfg, api, resolver)

	e.runCycle(context.Background())
	require.Contains(t, e.active, 700)
	assert.Equal(t, "P1", e.active[700].destSourceID)
}

func TestChapterNumberTolerance(t *testing.T) {
	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{
			searchKey("P2", "Berserk"): {{ID: 80, Title: "Berserk", SourceID: "P2"}},
		},
		chapters: map[int][]suwayomi.Chapter{
			80: {
				{ID: 801, Name: "Ch 9.99", ChapterNumber: 9.99},
				{ID: 802, Name: "Ch 10", ChapterNumber: 10.0},
				{ID: 803, Name: "Ch 10.5", ChapterNumber: 10.5},
			},
		},
	}
	e, _ := newTestEngine(testConfig(t.TempDir()), api, fixedDestination(""))

	item := failedQueueItem(3, 300, "Berserk", "P1", "Ch 10", 10.0)
	alt, outcome := e.searchAlternate(context.Background(), item, "P2")
	require.Equal(t, outcomeFound, outcome)
	assert.Equal(t, 802, alt.chapterID)

	api.chapters[80] = []suwayomi.Chapter{
		{ID: 804, Name: "Ch 9.5", ChapterNumber: 9.5},
		{ID: 805, Name: "Ch 10.6", ChapterNumber: 10.6},
	}
	_, outcome = e.searchAlternate(context.Background(), item, "P2")
	assert.Equal(t, outcomeNoChapterMatch, outcome)
}

func TestRetryLoopsThenGiveUp(t *testing.T) {
	api := &fakeAPI{searches: map[string][]suwayomi.Manga{}}
	api.setQueue(failedQueueItem(4, 400, "Ghost Series", "P1", "Chapter 1", 1.0))

	e, _ := newTestEngine(testConfig(t.TempDir()), api, fixedDestination(""))

	// Each cycle is one full pass over P2 and P3.
	for i := 0; i < 3; i++ {
		e.runCycle(context.Background())
	}
	assert.Len(t, api.searchLog, 6)
	assert.Contains(t, e.processed, "4_400")
	assert.Empty(t, e.retries)
	assert.Equal(t, int64(1), e.Status().GaveUp)

	// A fourth cycle must not touch any source again.
	e.runCycle(context.Background())
	assert.Len(t, api.searchLog, 6)
}

func TestConcurrencyCapHolds(t *testing.T) {
	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{},
		chapters: map[int][]suwayomi.Chapter{},
	}
	var queue []suwayomi.QueueItem
	for i := 1; i <= 5; i++ {
		title := fmt.Sprintf("Series %d", i)
		queue = append(queue, failedQueueItem(i, 100+i, title, "P1", "Chapter 1", 1.0))
		api.searches[searchKey("P2", title)] = []suwayomi.Manga{{ID: 50 + i, Title: title, SourceID: "P2"}}
		api.chapters[50+i] = []suwayomi.Chapter{{ID: 500 + i, Name: "Chapter 1", ChapterNumber: 1.0, MangaID: 50 + i}}
	}
	api.setQueue(queue...)

	cfg := testConfig(t.TempDir())
	cfg.MaxConcurrentFallbacks = 2
	e, _ := newTestEngine(cfg, api, fixedDestination(""))

	e.runCycle(context.Background())
	assert.Len(t, e.active, 2)
	assert.Len(t, api.enqueued, 2)

	// Later cycles with the downloads still running never exceed the cap.
	for cycle := 0; cycle < 3; cycle++ {
		snapshot := append([]suwayomi.QueueItem{}, queue...)
		for id := range e.active {
			snapshot = append(snapshot, suwayomi.QueueItem{
				Chapter: suwayomi.Chapter{ID: id},
				State:   suwayomi.StateDownloading,
			})
		}
		api.setQueue(snapshot...)
		e.runCycle(context.Background())
		assert.LessOrEqual(t, len(e.active), 2)
	}
}

func TestNoDuplicateAttemptPerFailure(t *testing.T) {
	original := failedQueueItem(6, 600, "Solo Leveling", "P1", "Chapter 42", 42.0)
	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{
			searchKey("P2", "Solo Leveling"): {{ID: 60, Title: "Solo Leveling", SourceID: "P2"}},
		},
		chapters: map[int][]suwayomi.Chapter{
			60: {{ID: 601, Name: "Chapter 42", ChapterNumber: 42.0, MangaID: 60}},
		},
	}
	api.setQueue(original)

	e, _ := newTestEngine(testConfig(t.TempDir()), api, fixedDestination(""))
	e.runCycle(context.Background())
	require.Len(t, e.active, 1)

	// Next cycle the download is still running and the item still failed:
	// no second attempt may start for the same failure.
	api.setQueue(original, suwayomi.QueueItem{
		Chapter: suwayomi.Chapter{ID: 601},
		State:   suwayomi.StateDownloading,
	})
	e.runCycle(context.Background())
	assert.Len(t, e.active, 1)
	assert.Equal(t, []int{601}, api.enqueued)
}

func TestDownloadTimeoutDropsActive(t *testing.T) {
	original := failedQueueItem(7, 700, "Solo Leveling", "P1", "Chapter 42", 42.0)
	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{
			searchKey("P2", "Solo Leveling"): {{ID: 70, Title: "Solo Leveling", SourceID: "P2"}},
		},
		chapters: map[int][]suwayomi.Chapter{
			70: {{ID: 701, Name: "Chapter 42", ChapterNumber: 42.0, MangaID: 70}},
		},
	}
	api.setQueue(original)

	e, clock := newTestEngine(testConfig(t.TempDir()), api, fixedDestination(""))
	e.runCycle(context.Background())
	require.Len(t, e.active, 1)

	*clock = clock.Add(6 * time.Minute)
	api.setQueue(original, suwayomi.QueueItem{
		Chapter: suwayomi.Chapter{ID: 701},
		State:   suwayomi.StateDownloading,
	})
	e.runCycle(context.Background())

	assert.Empty(t, e.active)
	assert.Empty(t, api.dequeued, "a timed out download must not be finalized")
	// The failure stays tracked for another pass.
	assert.Contains(t, e.retries, "7_700")
}

func TestDownloadErrorDropsActive(t *testing.T) {
	original := failedQueueItem(8, 800, "Solo Leveling", "P1", "Chapter 42", 42.0)
	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{
			searchKey("P2", "Solo Leveling"): {{ID: 81, Title: "Solo Leveling", SourceID: "P2"}},
		},
		chapters: map[int][]suwayomi.Chapter{
			81: {{ID: 810, Name: "Chapter 42", ChapterNumber: 42.0, MangaID: 81}},
		},
	}
	api.setQueue(original)

	e, _ := newTestEngine(testConfig(t.TempDir()), api, fixedDestination(""))
	e.runCycle(context.Background())
	require.Len(t, e.active, 1)

	api.setQueue(original, suwayomi.QueueItem{
		Chapter: suwayomi.Chapter{ID: 810},
		State:   suwayomi.StateError,
	})
	e.runCycle(context.Background())
	assert.Empty(t, e.active)
	assert.Empty(t, api.dequeued)
}

func TestDetectionTimeoutGivesUp(t *testing.T) {
	original := failedQueueItem(9, 900, "Solo Leveling", "P1", "Chapter 42", 42.0)
	api := &fakeAPI{}
	api.setQueue(original)

	e, clock := newTestEngine(testConfig(t.TempDir()), api, fixedDestination(""))
	e.pending["9_900"] = clock.Add(-3 * time.Minute)

	e.runCycle(context.Background())
	assert.Empty(t, e.pending)
	assert.Contains(t, e.processed, "9_900")
	// Permanently processed: no retry record is created for it.
	assert.Empty(t, e.retries)
}

func TestSyncModeWaitsAndFinalizes(t *testing.T) {
	root := t.TempDir()
	original := failedQueueItem(10, 110, "Solo Leveling", "P1", "Chapter 42", 42.0)

	altDir := filepath.Join(root, "Source Three", "Solo Leveling")
	require.NoError(t, os.MkdirAll(altDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(altDir, "Chapter 42.cbz"), []byte("pages"), 0644))

	api := &fakeAPI{
		searches: map[string][]suwayomi.Manga{
			searchKey("P3", "Solo Leveling"): {{ID: 90, Title: "Solo Leveling", SourceID: "P3"}},
		},
		chapters: map[int][]suwayomi.Chapter{
			90: {{ID: 901, Name: "Chapter 42", ChapterNumber: 42.0, MangaID: 90}},
		},
		filenames: map[int]suwayomi.ChapterFile{
			110: {Name: "Chapter 42"},
		},
	}
	// The alternate chapter never appears in the queue, which reads as an
	// already-flushed completed download.
	api.setQueue(original)

	cfg := testConfig(root)
	cfg.MaxConcurrentFallbacks = 1
	e, _ := newTestEngine(cfg, api, fixedDestination(""))

	e.runCycle(context.Background())

	assert.Empty(t, e.active)
	assert.Len(t, e.pending, 1)
	assert.Equal(t, []int{110}, api.dequeued)
	assert.Equal(t, []int{901, 110}, api.enqueued)

	_, err := os.Stat(filepath.Join(root, "Source One", "Solo Leveling", "Chapter 42.cbz"))
	assert.NoError(t, err)
}
