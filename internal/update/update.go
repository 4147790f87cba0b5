// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package update checks GitHub for a newer release on startup.
package update

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"chapterfall/internal/buildinfo"
)

const latestReleaseURL = "https://api.github.com/repos/chapterfall/chapterfall/releases/latest"

type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// CheckOnStartup compares the running version against the latest GitHub
// release. Every failure path is a debug log; an update check must never get
// in the way of the daemon.
func CheckOnStartup(ctx context.Context, currentVersion string) {
	current, err := semver.NewVersion(strings.TrimPrefix(currentVersion, "v"))
	if err != nil {
		log.Debug().Str("version", currentVersion).Msg("unparseable build version, skipping update check")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, latestReleaseURL, nil)
	if err != nil {
		log.Debug().Err(err).Msg("could not build update check request")
		return
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("could not check for updates")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Msg("update check returned non-OK status")
		return
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		log.Debug().Err(err).Msg("could not decode release payload")
		return
	}

	latest, err := semver.NewVersion(strings.TrimPrefix(rel.TagName, "v"))
	if err != nil {
		log.Debug().Str("tag", rel.TagName).Msg("unparseable release tag")
		return
	}

	if latest.GreaterThan(current) {
		log.Warn().
			Str("current", current.String()).
			Str("latest", latest.String()).
			Str("url", rel.HTMLURL).
			Msg("UPDATE AVAILABLE")
		return
	}
	log.Info().Str("version", current.String()).Msg("running latest version")
}
