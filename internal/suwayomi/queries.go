// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package suwayomi

// GraphQL documents for the Suwayomi API surface this daemon consumes.

const (
	querySource = `
	query GET_SOURCE($id: LongString!) {
		source(id: $id) {
			id
			displayName
		}
	}`

	queryExtensions = `
	query GET_EXTENSIONS {
		extensions {
			nodes {
				id
				displayName
			}
		}
	}`

	queryDownloadStatus = `
	{
		downloadStatus {
			queue {
				manga { id title sourceId }
				chapter { id name chapterNumber }
				state
				progress
				tries
			}
		}
	}`

	queryChapter = `
	query GET_CHAPTER($id: Int!) {
		chapter(id: $id) {
			name
			scanlator
		}
	}`

	mutationFetchSourceManga = `
	mutation FETCH_SOURCE_MANGA($input: FetchSourceMangaInput!) {
		fetchSourceManga(input: $input) {
			hasNextPage
			mangas {
				id
				title
				inLibrary
				sourceId
			}
		}
	}`

	mutationFetchChapters = `
	mutation FETCH_CHAPTERS($input: FetchChaptersInput!) {
		fetchChapters(input: $input) {
			chapters {
				id
				name
				chapterNumber
				mangaId
			}
		}
	}`

	mutationEnqueueDownloads = `
	mutation ENQUEUE_CHAPTER_DOWNLOADS($input: EnqueueChapterDownloadsInput!) {
		enqueueChapterDownloads(input: $input) {
			downloadStatus { state }
		}
	}`

	mutationStartDownloads = `
	mutation START_DOWNLOADS($input: StartDownloaderInput!) {
		startDownloader(input: $input) {
			downloadStatus { state }
		}
	}`

	mutationDequeueDownload = `
	mutation DEQUEUE_CHAPTER_DOWNLOAD($input: DequeueChapterDownloadInput!) {
		dequeueChapterDownload(input: $input) {
			downloadStatus { state }
		}
	}`

	mutationDeleteDownloadedChapter = `
	mutation DELETE_DOWNLOADED_CHAPTER($input: DeleteDownloadedChapterInput!) {
		deleteDownloadedChapter(input: $input) {
			chapters { id isDownloaded }
		}
	}`
)
