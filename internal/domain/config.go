// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// FilenamePattern describes how a source names the chapter archives it writes.
// Transform is a closed set of named transforms, see library.ParseTransform.
type FilenamePattern struct {
	Prefix    string `mapstructure:"prefix"`
	Transform string `mapstructure:"transform"`
}

// Config is the full runtime configuration, loaded once at startup and
// partially reloadable (log level, poll cadence, concurrency cap) via the
// config file watcher.
type Config struct {
	Version string

	// Suwayomi connection
	SuwayomiURL  string `mapstructure:"suwayomiUrl"`
	SuwayomiUser string `mapstructure:"suwayomiUser"`
	SuwayomiPass string `mapstructure:"suwayomiPass"`

	// Filesystem
	DownloadsPath string `mapstructure:"downloadsPath"`
	ChownUID      int    `mapstructure:"chownUid"`
	ChownGID      int    `mapstructure:"chownGid"`

	// Fallback behaviour
	SourcePriority         []string                   `mapstructure:"sourcePriority"`
	SourceFilenamePatterns map[string]FilenamePattern `mapstructure:"sourceFilenamePatterns"`
	CheckInterval          int                        `mapstructure:"checkInterval"`
	TitleMatchThreshold    float64                    `mapstructure:"titleMatchThreshold"`
	DownloadWaitTimeout    int                        `mapstructure:"downloadWaitTimeout"`
	DownloadCheckInterval  int                        `mapstructure:"downloadCheckInterval"`
	MaxConcurrentFallbacks int                        `mapstructure:"maxConcurrentFallbacks"`
	MaxRetryLoops          int                        `mapstructure:"maxRetryLoops"`
	DetectionGracePeriod   int                        `mapstructure:"detectionGracePeriod"`

	// Ambient
	LogLevel        string `mapstructure:"logLevel"`
	LogPath         string `mapstructure:"logPath"`
	LogMaxSize      int    `mapstructure:"logMaxSize"`
	LogMaxBackups   int    `mapstructure:"logMaxBackups"`
	CheckForUpdates bool   `mapstructure:"checkForUpdates"`
	MetricsEnabled  bool   `mapstructure:"metricsEnabled"`
	MetricsHost     string `mapstructure:"metricsHost"`
	MetricsPort     int    `mapstructure:"metricsPort"`
}
