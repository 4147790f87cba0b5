// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sources caches the id <-> display name mapping for Suwayomi sources.
package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"

	"chapterfall/internal/suwayomi"
)

// maxFuzzyDistance bounds the Levenshtein distance accepted when resolving a
// folder name that no longer exactly matches any source display name.
const maxFuzzyDistance = 3

// API is the subset of the Suwayomi client the catalog needs.
type API interface {
	Source(ctx context.Context, id string) (suwayomi.Source, error)
	Sources(ctx context.Context) ([]suwayomi.Source, error)
}

// Catalog lazily maps source ids to display names and back. Lookups that hit
// the server are cached in both directions for the process lifetime.
type Catalog struct {
	api API

	mu     sync.Mutex
	byID   map[string]string
	byName map[string]string
}

func NewCatalog(api API) *Catalog {
	return &Catalog{
		api:    api,
		byID:   make(map[string]string),
		byName: make(map[string]string),
	}
}

// NameOf returns the display name for a source id. Lookup failures are
// swallowed and reported as a synthesized "Unknown (<id>)" label; the failure
// is not cached so a later call can still succeed.
func (c *Catalog) NameOf(ctx context.Context, id string) string {
	c.mu.Lock()
	if name, ok := c.byID[id]; ok {
		c.mu.Unlock()
		return name
	}
	c.mu.Unlock()

	source, err := c.api.Source(ctx, id)
	if err != nil || source.DisplayName == "" {
		if err != nil {
			log.Debug().Err(err).Str("source", id).Msg("source name lookup failed")
		}
		return fmt.Sprintf("Unknown (%s)", id)
	}

	c.store(id, source.DisplayName)
	return source.DisplayName
}

// IDOfName reverse-maps a display name (typically a folder name under the
// download root) to a source id. On a cache miss the full source listing is
// fetched once to repopulate both directions; if the exact name is still
// absent, a fuzzy fold match over the known names resolves labels that
// drifted slightly after an extension update.
func (c *Catalog) IDOfName(ctx context.Context, name string) (string, bool) {
	c.mu.Lock()
	if id, ok := c.byName[name]; ok {
		c.mu.Unlock()
		return id, true
	}
	c.mu.Unlock()

	all, err := c.api.Sources(ctx)
	if err != nil {
		log.Debug().Err(err).Str("name", name).Msg("source listing failed")
		return "", false
	}
	for _, source := range all {
		c.store(source.ID, source.DisplayName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byName[name]; ok {
		return id, true
	}

	names := make([]string, 0, len(c.byName))
	for known := range c.byName {
		names = append(names, known)
	}
	ranks := fuzzy.RankFindNormalizedFold(name, names)
	best := ""
	bestDistance := maxFuzzyDistance + 1
	for _, rank := range ranks {
		if rank.Distance < bestDistance {
			bestDistance = rank.Distance
			best = rank.Target
		}
	}
	if best == "" {
		return "", false
	}

	log.Debug().Str("name", name).Str("resolved", best).Msg("resolved source folder via fuzzy match")
	return c.byName[best], true
}

func (c *Catalog) store(id, name string) {
	if id == "" || name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = name
	c.byName[name] = id
}
