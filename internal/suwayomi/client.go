// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package suwayomi implements the GraphQL client for the Suwayomi server API.
package suwayomi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"chapterfall/internal/buildinfo"
)

const maxResponseBytes int64 = 8 << 20 // 8 MiB safety limit for GraphQL responses

// StatusError represents a non-2xx HTTP response from the server.
// It preserves the status code so callers can distinguish retryable failures.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("suwayomi request to %s returned status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	_, ok := target.(*StatusError)
	return ok
}

// Client talks to a single Suwayomi instance over its GraphQL endpoint.
type Client struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a Suwayomi client. Credentials may be empty when the
// server runs without basic auth.
func NewClient(endpoint, username, password string, timeoutSeconds int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}

	timeout := time.Duration(timeoutSeconds) * time.Second
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

type graphqlRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// execute posts a GraphQL document and unmarshals the data payload into out.
// Transport failures and 5xx responses are retried with backoff; GraphQL-level
// errors and 4xx responses surface immediately.
func (c *Client) execute(ctx context.Context, query string, variables any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	return retry.Do(
		func() error {
			return c.doOnce(ctx, payload, out)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) doOnce(ctx context.Context, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("build graphql request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: resp.StatusCode, URL: c.endpoint}
		if resp.StatusCode >= http.StatusInternalServerError {
			return statusErr
		}
		return retry.Unrecoverable(statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read graphql response: %w", err)
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return retry.Unrecoverable(fmt.Errorf("decode graphql response: %w", err))
	}
	if len(parsed.Errors) > 0 {
		return retry.Unrecoverable(fmt.Errorf("graphql error: %s", parsed.Errors[0].Message))
	}

	if out != nil && len(parsed.Data) > 0 {
		if err := json.Unmarshal(parsed.Data, out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode graphql data: %w", err))
		}
	}
	return nil
}

// Source fetches a single source by id.
func (c *Client) Source(ctx context.Context, id string) (Source, error) {
	var data struct {
		Source Source `json:"source"`
	}
	if err := c.execute(ctx, querySource, map[string]any{"id": id}, &data); err != nil {
		return Source{}, err
	}
	if data.Source.ID == "" {
		data.Source.ID = id
	}
	return data.Source, nil
}

// Sources lists every installed extension as a source id/name pair.
func (c *Client) Sources(ctx context.Context) ([]Source, error) {
	var data struct {
		Extensions struct {
			Nodes []Source `json:"nodes"`
		} `json:"extensions"`
	}
	if err := c.execute(ctx, queryExtensions, nil, &data); err != nil {
		return nil, err
	}
	return data.Extensions.Nodes, nil
}

// DownloadStatus fetches the server's current download queue.
func (c *Client) DownloadStatus(ctx context.Context) ([]QueueItem, error) {
	var data struct {
		DownloadStatus struct {
			Queue []QueueItem `json:"queue"`
		} `json:"downloadStatus"`
	}
	if err := c.execute(ctx, queryDownloadStatus, nil, &data); err != nil {
		return nil, err
	}
	return data.DownloadStatus.Queue, nil
}

// SearchManga searches a source for a title.
func (c *Client) SearchManga(ctx context.Context, sourceID, title string) ([]Manga, error) {
	variables := map[string]any{
		"input": map[string]any{
			"type":   "SEARCH",
			"source": sourceID,
			"query":  title,
			"page":   1,
		},
	}
	var data struct {
		FetchSourceManga struct {
			HasNextPage bool    `json:"hasNextPage"`
			Mangas      []Manga `json:"mangas"`
		} `json:"fetchSourceManga"`
	}
	if err := c.execute(ctx, mutationFetchSourceManga, variables, &data); err != nil {
		return nil, err
	}
	return data.FetchSourceManga.Mangas, nil
}

// FetchChapters fetches the full chapter list of a manga from its source.
func (c *Client) FetchChapters(ctx context.Context, mangaID int) ([]Chapter, error) {
	variables := map[string]any{
		"input": map[string]any{"mangaId": mangaID},
	}
	var data struct {
		FetchChapters struct {
			Chapters []Chapter `json:"chapters"`
		} `json:"fetchChapters"`
	}
	if err := c.execute(ctx, mutationFetchChapters, variables, &data); err != nil {
		return nil, err
	}
	return data.FetchChapters.Chapters, nil
}

// EnqueueDownload adds a chapter to the server's download queue.
func (c *Client) EnqueueDownload(ctx context.Context, chapterID int) error {
	variables := map[string]any{
		"input": map[string]any{"ids": []int{chapterID}},
	}
	return c.execute(ctx, mutationEnqueueDownloads, variables, nil)
}

// StartDownloads asks the server's downloader to start working the queue.
// Older server versions don't expose this mutation.
func (c *Client) StartDownloads(ctx context.Context) error {
	variables := map[string]any{
		"input": map[string]any{"clientMutationId": "chapterfall"},
	}
	return c.execute(ctx, mutationStartDownloads, variables, nil)
}

// DequeueDownload removes a chapter from the server's download queue.
func (c *Client) DequeueDownload(ctx context.Context, chapterID int) error {
	variables := map[string]any{
		"input": map[string]any{"id": chapterID},
	}
	return c.execute(ctx, mutationDequeueDownload, variables, nil)
}

// DeleteDownloadedChapter deletes the server's record (and file) of a
// downloaded chapter.
func (c *Client) DeleteDownloadedChapter(ctx context.Context, chapterID int) error {
	variables := map[string]any{
		"input": map[string]any{"id": chapterID},
	}
	return c.execute(ctx, mutationDeleteDownloadedChapter, variables, nil)
}

// ChapterFilename fetches the name and scanlator fields the server derives a
// chapter's expected on-disk filename from.
func (c *Client) ChapterFilename(ctx context.Context, chapterID int) (ChapterFile, error) {
	var data struct {
		Chapter ChapterFile `json:"chapter"`
	}
	if err := c.execute(ctx, queryChapter, map[string]any{"id": chapterID}, &data); err != nil {
		return ChapterFile{}, err
	}
	if data.Chapter.Name == "" {
		return ChapterFile{}, fmt.Errorf("chapter %d has no name", chapterID)
	}
	return data.Chapter, nil
}
