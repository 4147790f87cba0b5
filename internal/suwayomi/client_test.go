// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package suwayomi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, "user", "pass", 5)
}

func TestDownloadStatusParsesQueue(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)

		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "downloadStatus")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"downloadStatus":{"queue":[
			{"manga":{"id":7,"title":"Solo Leveling","sourceId":"p1"},
			 "chapter":{"id":42,"name":"Chapter 42","chapterNumber":42.0},
			 "state":"ERROR","progress":0,"tries":3}
		]}}}`))
	})

	queue, err := client.DownloadStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.True(t, queue[0].Failed())
	assert.Equal(t, "Solo Leveling", queue[0].Manga.Title)
	assert.Equal(t, "p1", queue[0].Manga.SourceID)
	assert.InDelta(t, 42.0, queue[0].Chapter.ChapterNumber, 1e-9)
}

func TestSearchMangaSendsVariables(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string `json:"query"`
			Variables struct {
				Input struct {
					Type   string `json:"type"`
					Source string `json:"source"`
					Query  string `json:"query"`
					Page   int    `json:"page"`
				} `json:"input"`
			} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SEARCH", req.Variables.Input.Type)
		assert.Equal(t, "p3", req.Variables.Input.Source)
		assert.Equal(t, "Solo Leveling", req.Variables.Input.Query)

		w.Write([]byte(`{"data":{"fetchSourceManga":{"hasNextPage":false,"mangas":[
			{"id":11,"title":"Solo Leveling","sourceId":"p3","inLibrary":false}
		]}}}`))
	})

	mangas, err := client.SearchManga(context.Background(), "p3", "Solo Leveling")
	require.NoError(t, err)
	require.Len(t, mangas, 1)
	assert.Equal(t, 11, mangas[0].ID)
}

func TestGraphQLErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"errors":[{"message":"no such source"}]}`))
	})

	_, err := client.Source(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such source")
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"source":{"id":"p1","displayName":"MangaDex"}}}`))
	})

	source, err := client.Source(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "MangaDex", source.DisplayName)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Sources(context.Background())
	require.ErrorIs(t, err, &StatusError{})
	assert.Equal(t, int32(1), calls.Load())
}

func TestChapterFilename(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"chapter":{"name":"Chapter 42","scanlator":"Asura"}}}`))
	})

	file, err := client.ChapterFilename(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "Chapter 42", file.Name)
	assert.Equal(t, "Asura", file.Scanlator)
}
