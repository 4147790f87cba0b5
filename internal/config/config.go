// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"chapterfall/internal/domain"
)

var envPrefix = "CHAPTERFALL__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("suwayomiUrl", "http://localhost:4567/api/graphql")
	c.viper.SetDefault("suwayomiUser", "")
	c.viper.SetDefault("suwayomiPass", "")
	c.viper.SetDefault("downloadsPath", "/downloads/mangas")
	c.viper.SetDefault("chownUid", 1000)
	c.viper.SetDefault("chownGid", 1000)
	c.viper.SetDefault("sourcePriority", []string{})
	c.viper.SetDefault("checkInterval", 60)
	c.viper.SetDefault("titleMatchThreshold", 0.85)
	c.viper.SetDefault("downloadWaitTimeout", 300)
	c.viper.SetDefault("downloadCheckInterval", 5)
	c.viper.SetDefault("maxConcurrentFallbacks", 3)
	c.viper.SetDefault("maxRetryLoops", 3)
	c.viper.SetDefault("detectionGracePeriod", 120)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("checkForUpdates", true)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9731)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// If file doesn't exist, create it
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want

	c.viper.BindEnv("suwayomiUrl", envPrefix+"SUWAYOMI_URL")
	c.viper.BindEnv("suwayomiUser", envPrefix+"SUWAYOMI_USER")
	c.bindOrReadFromFile("suwayomiPass", envPrefix+"SUWAYOMI_PASS")
	c.viper.BindEnv("downloadsPath", envPrefix+"DOWNLOADS_PATH")
	c.viper.BindEnv("chownUid", envPrefix+"CHOWN_UID")
	c.viper.BindEnv("chownGid", envPrefix+"CHOWN_GID")
	c.viper.BindEnv("checkInterval", envPrefix+"CHECK_INTERVAL")
	c.viper.BindEnv("downloadWaitTimeout", envPrefix+"DOWNLOAD_WAIT_TIMEOUT")
	c.viper.BindEnv("downloadCheckInterval", envPrefix+"DOWNLOAD_CHECK_INTERVAL")
	c.viper.BindEnv("maxConcurrentFallbacks", envPrefix+"MAX_CONCURRENT_FALLBACKS")
	c.viper.BindEnv("maxRetryLoops", envPrefix+"MAX_RETRY_LOOPS")
	c.viper.BindEnv("detectionGracePeriod", envPrefix+"DETECTION_GRACE_PERIOD")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("checkForUpdates", envPrefix+"CHECK_FOR_UPDATES")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Suwayomi GraphQL endpoint
# Default: "http://localhost:4567/api/graphql"
suwayomiUrl = "{{ .suwayomiUrl }}"

# Suwayomi basic auth credentials
# Leave empty when the server runs without authentication
#suwayomiUser = ""
#suwayomiPass = ""

# Root of the Suwayomi download directory, as seen by this process
# Default: "/downloads/mangas"
downloadsPath = "{{ .downloadsPath }}"

# Ownership applied to recovered files (best effort)
# Default: 1000:1000
#chownUid = 1000
#chownGid = 1000

# Ordered list of source ids to try, most reliable first.
# Find source ids in the Suwayomi source list or via browser dev tools.
#sourcePriority = [
#       "2499283573021220255",   # MangaDex (EN)
#       "7890050626002177109",   # Bato.to (EN)
#]

# Per-source filename patterns, used only when the server cannot report
# the exact expected filename for a chapter.
# transform is one of: "identity", "replace-colons"
#[sourceFilenamePatterns."4215511432986138970"]
#prefix = "www.mangabats.com_"
#transform = "identity"

# How often to poll for failed downloads, in seconds
# Default: {{ .checkInterval }}
#checkInterval = {{ .checkInterval }}

# Maximum time to wait for a single fallback download, in seconds
# Default: 300
#downloadWaitTimeout = 300

# Poll cadence while blocking on a download in synchronous mode, in seconds
# Default: 5
#downloadCheckInterval = 5

# Maximum parallel fallback downloads; 1 switches to synchronous mode
# Default: {{ .maxConcurrentFallbacks }}
#maxConcurrentFallbacks = {{ .maxConcurrentFallbacks }}

# Full passes over the source priority list before giving up on a failure
# Default: {{ .maxRetryLoops }}
#maxRetryLoops = {{ .maxRetryLoops }}

# How long to wait for Suwayomi to acknowledge a recovered file, in seconds
# Default: 120
#detectionGracePeriod = 120

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/chapterfall.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Check for new releases on GitHub
# Default: true
#checkForUpdates = true

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Prometheus metrics + status endpoint on a separate listener
# Default: false
#metricsEnabled = false

# Metrics server host (bind address for metrics endpoint)
# Default: "127.0.0.1"
#metricsHost = "127.0.0.1"

# Metrics server port
# Default: {{ .metricsPort }}
#metricsPort = {{ .metricsPort }}
`

	data := map[string]any{
		"suwayomiUrl":            c.viper.GetString("suwayomiUrl"),
		"downloadsPath":          c.viper.GetString("downloadsPath"),
		"checkInterval":          c.viper.GetInt("checkInterval"),
		"maxConcurrentFallbacks": c.viper.GetInt("maxConcurrentFallbacks"),
		"maxRetryLoops":          c.viper.GetInt("maxRetryLoops"),
		"logLevel":               c.viper.GetString("logLevel"),
		"logMaxSize":             c.viper.GetInt("logMaxSize"),
		"logMaxBackups":          c.viper.GetInt("logMaxBackups"),
		"metricsPort":            c.viper.GetInt("metricsPort"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// Helper functions

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// First check if XDG_CONFIG_HOME is set (Docker containers set this to /config)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "chapterfall")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "chapterfall")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "chapterfall")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "chapterfall")
	}
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatTimestamp = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			msg := strings.TrimSpace(fmt.Sprint(i))
			if msg == "" {
				return ""
			}
			return msg
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// Sets viper variable if environment variable with _FILE suffix is present
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
	} else {
		c.viper.BindEnv(viperVar, envVar)
	}
}
