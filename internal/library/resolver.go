// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package library

import (
	"context"

	"github.com/rs/zerolog/log"
)

// nameResolver maps a source folder name back to its source id.
type nameResolver interface {
	IDOfName(ctx context.Context, name string) (string, bool)
}

// Resolver decides which source folder a recovered chapter should be written
// into.
type Resolver struct {
	root      string
	threshold float64
	catalog   nameResolver
}

func NewResolver(root string, threshold float64, catalog nameResolver) *Resolver {
	return &Resolver{root: root, threshold: threshold, catalog: catalog}
}

// ResolveDestination prefers the source folder that already holds the most
// archives for the title, so recovered chapters land next to the existing
// ones. Ties keep the first folder found in scan order. When no folder exists
// yet, or the chosen folder's name cannot be mapped back to a source id, the
// id reported by the download queue wins.
func (r *Resolver) ResolveDestination(ctx context.Context, title, defaultSourceID string) string {
	matches := ListMatchingFolders(r.root, title, r.threshold)
	if len(matches) == 0 {
		return defaultSourceID
	}

	best := matches[0]
	for _, match := range matches[1:] {
		if match.ArchiveCount > best.ArchiveCount {
			best = match
		}
	}

	id, ok := r.catalog.IDOfName(ctx, best.SourceFolder)
	if !ok {
		log.Info().
			Str("folder", best.SourceFolder).
			Str("title", title).
			Msg("existing folder found but source id unresolved, using default")
		return defaultSourceID
	}

	log.Info().
		Str("folder", best.SourceFolder).
		Str("title", title).
		Int("archives", best.ArchiveCount).
		Msg("destination resolved to existing source folder")
	return id
}
