// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package library

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CopyArchive copies src into destDir/destName, creating the directory if
// needed, and best-effort normalizes ownership so the file does not end up
// owned by root next to user-owned siblings. A failed chown is logged, not
// fatal.
func CopyArchive(src, destDir, destName string, uid, gid int) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", errors.Wrap(err, "create destination folder")
	}

	destPath := filepath.Join(destDir, destName)

	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrap(err, "open source archive")
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return "", errors.Wrap(err, "create destination archive")
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(destPath)
		return "", errors.Wrap(err, "copy archive")
	}
	if err := out.Close(); err != nil {
		return "", errors.Wrap(err, "flush destination archive")
	}

	if uid >= 0 && gid >= 0 {
		if err := os.Chown(destPath, uid, gid); err != nil {
			log.Warn().Err(err).Str("path", destPath).Int("uid", uid).Int("gid", gid).
				Msg("could not chown recovered archive")
		}
	}

	return destPath, nil
}

// RemoveConsumed deletes the single archive that was just spliced out of an
// alternate source folder, then removes its parent directories only while
// they are empty, stopping at root. Folders still holding other chapters are
// left alone so concurrent recoveries for the same title stay intact.
func RemoveConsumed(root, file string) error {
	if err := os.Remove(file); err != nil {
		return errors.Wrap(err, "remove consumed archive")
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil
	}
	dir := filepath.Dir(file)
	for {
		dirAbs, err := filepath.Abs(dir)
		if err != nil || dirAbs == rootAbs || !within(rootAbs, dirAbs) {
			break
		}
		// Remove refuses non-empty directories, which is exactly the
		// stop condition wanted here.
		if err := os.Remove(dir); err != nil {
			break
		}
		log.Debug().Str("path", dir).Msg("removed empty alternate source folder")
		dir = filepath.Dir(dir)
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && rel != "." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
