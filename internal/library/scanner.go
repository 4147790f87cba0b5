// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package library handles the on-disk download tree: locating existing manga
// folders, finding produced archives and splicing recovered files into the
// canonical source folder.
package library

import (
	"os"
	"path/filepath"
	"strings"

	"chapterfall/internal/matcher"
)

// FolderMatch is a manga folder under some source directory whose name is
// close enough to the wanted title.
type FolderMatch struct {
	SourceFolder string
	Path         string
	ArchiveCount int
}

// ListMatchingFolders scans root (layout: <root>/<source name>/<manga title>/)
// and returns every title folder similar to title, with its archive count.
// A missing or unreadable root yields an empty result.
func ListMatchingFolders(root, title string, threshold float64) []FolderMatch {
	var matches []FolderMatch

	sourceDirs, err := os.ReadDir(root)
	if err != nil {
		return matches
	}

	for _, sourceDir := range sourceDirs {
		if !sourceDir.IsDir() {
			continue
		}
		sourcePath := filepath.Join(root, sourceDir.Name())
		titleDirs, err := os.ReadDir(sourcePath)
		if err != nil {
			continue
		}
		for _, titleDir := range titleDirs {
			if !titleDir.IsDir() {
				continue
			}
			if matcher.Similarity(titleDir.Name(), title) < threshold {
				continue
			}
			folderPath := filepath.Join(sourcePath, titleDir.Name())
			matches = append(matches, FolderMatch{
				SourceFolder: sourceDir.Name(),
				Path:         folderPath,
				ArchiveCount: countArchives(folderPath),
			})
		}
	}
	return matches
}

func countArchives(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ".cbz") {
			count++
		}
	}
	return count
}
