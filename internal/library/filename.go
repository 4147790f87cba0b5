// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package library

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"chapterfall/internal/matcher"
	"chapterfall/internal/suwayomi"
)

// TransformKind is a named chapter-name rewrite applied before the filename
// is assembled. The set is closed; config values outside it fall back to
// identity with a warning.
type TransformKind int

const (
	TransformIdentity TransformKind = iota
	TransformReplaceColons
)

// ParseTransform maps a config string to a TransformKind. Empty means
// identity.
func ParseTransform(name string) TransformKind {
	switch name {
	case "", "identity":
		return TransformIdentity
	case "replace-colons":
		return TransformReplaceColons
	default:
		log.Warn().Str("transform", name).Msg("unknown filename transform, using identity")
		return TransformIdentity
	}
}

func (k TransformKind) Apply(name string) string {
	switch k {
	case TransformReplaceColons:
		return strings.ReplaceAll(name, ":", "_")
	default:
		return name
	}
}

// Pattern describes how a source names its downloaded archives.
type Pattern struct {
	Prefix    string
	Transform TransformKind
}

// ExpectedFilename builds the archive name a source is expected to produce
// for a chapter.
func ExpectedFilename(pattern Pattern, chapterName string) string {
	return pattern.Prefix + pattern.Transform.Apply(chapterName) + ".cbz"
}

// ServerFilename builds the filename the server itself uses for a chapter
// record. This must match byte for byte or the server will not associate the
// file with the chapter.
func ServerFilename(file suwayomi.ChapterFile) string {
	if file.Scanlator != "" {
		return fmt.Sprintf("%s_%s.cbz", file.Scanlator, file.Name)
	}
	return file.Name + ".cbz"
}

var chapterNumberRe = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// FindArchive locates the archive a source produced for a chapter. The title
// folder is tried verbatim first, then by fuzzy match against the source
// folder's contents. Within the folder, a filename containing the chapter
// name (or the chapter name with spaces stripped) wins; otherwise the first
// archive containing the chapter's numeric token is taken.
func FindArchive(root, sourceFolder, title, chapterName string, threshold float64) (string, bool) {
	titlePath := filepath.Join(root, sourceFolder, title)
	if _, err := os.Stat(titlePath); err != nil {
		titlePath = ""
		sourcePath := filepath.Join(root, sourceFolder)
		entries, err := os.ReadDir(sourcePath)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() && matcher.Similarity(entry.Name(), title) >= threshold {
					titlePath = filepath.Join(sourcePath, entry.Name())
					break
				}
			}
		}
	}
	if titlePath == "" {
		log.Warn().Str("source", sourceFolder).Str("title", title).Msg("manga folder not found")
		return "", false
	}

	entries, err := os.ReadDir(titlePath)
	if err != nil {
		return "", false
	}

	compact := strings.ReplaceAll(chapterName, " ", "")
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".cbz") {
			continue
		}
		if strings.Contains(name, chapterName) || strings.Contains(name, compact) {
			return filepath.Join(titlePath, name), true
		}
	}

	if token := chapterNumberRe.FindString(chapterName); token != "" {
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(strings.ToLower(name), ".cbz") && strings.Contains(name, token) {
				return filepath.Join(titlePath, name), true
			}
		}
	}

	return "", false
}
