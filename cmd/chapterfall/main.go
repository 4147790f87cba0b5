// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chapterfall/internal/api"
	"chapterfall/internal/buildinfo"
	"chapterfall/internal/config"
	"chapterfall/internal/domain"
	"chapterfall/internal/engine"
	"chapterfall/internal/library"
	"chapterfall/internal/metrics"
	"chapterfall/internal/sources"
	"chapterfall/internal/suwayomi"
	"chapterfall/internal/update"
)

const apiRequestTimeoutSeconds = 30

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "chapterfall",
		Short: "Recover failed Suwayomi chapter downloads from alternate sources",
		Long: `chapterfall - A companion daemon for Suwayomi that watches the download
queue for failed chapters, downloads them from alternate sources and splices
the result into the canonical source folder.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunHealthcheckCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the recovery daemon",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/chapterfall/ or %APPDATA%\\chapterfall\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, logPath)
		app.run()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of chapterfall",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/chapterfall/config.toml
- Windows: %APPDATA%\chapterfall\config.toml

You can specify either a directory path or a direct file path:
- Directory: chapterfall generate-config --config-dir /path/to/config/
- File: chapterfall generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func RunHealthcheckCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the status server's health endpoint",
		Long:  "Probe the status server's health endpoint. Intended for container health checks; exits non-zero when the daemon is unreachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			host := cfg.Config.MetricsHost
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "localhost"
			}
			url := fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, fmt.Sprint(cfg.Config.MetricsPort)))

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("health probe failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health probe returned status %d", resp.StatusCode)
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	logPath   string
}

func NewApplication(configDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		logPath:   logPath,
	}
}

func (app *Application) run() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		log.Info().
			Str("logLevel", conf.LogLevel).
			Msg("configuration reloaded; engine timings take effect on restart")
	})

	log.Info().Str("version", buildinfo.Version).Msg("Starting chapterfall")
	log.Info().Str("suwayomiUrl", cfg.Config.SuwayomiURL).Msg("Suwayomi endpoint")
	log.Info().Str("downloadsPath", cfg.Config.DownloadsPath).Msg("Download root")
	log.Info().
		Int("checkInterval", cfg.Config.CheckInterval).
		Int("maxConcurrentFallbacks", cfg.Config.MaxConcurrentFallbacks).
		Msg("Monitoring settings")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if cfg.Config.CheckForUpdates {
		go update.CheckOnStartup(ctx, buildinfo.Version)
	}

	client := suwayomi.NewClient(cfg.Config.SuwayomiURL, cfg.Config.SuwayomiUser, cfg.Config.SuwayomiPass, apiRequestTimeoutSeconds)
	catalog := sources.NewCatalog(client)
	resolver := library.NewResolver(cfg.Config.DownloadsPath, cfg.Config.TitleMatchThreshold, catalog)

	var collector *metrics.Collector
	if cfg.Config.MetricsEnabled {
		collector = metrics.NewCollector()
	}

	eng := engine.New(engineConfig(cfg.Config), client, catalog, resolver, collector)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := eng.Start(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Config.MetricsEnabled {
		statusServer := api.NewServer(&api.Dependencies{
			Host:      cfg.Config.MetricsHost,
			Port:      cfg.Config.MetricsPort,
			Version:   buildinfo.Version,
			Engine:    eng,
			Collector: collector,
		})

		g.Go(func() error {
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return statusServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

// engineConfig converts the flat config into the engine's typed form.
func engineConfig(conf *domain.Config) engine.Config {
	patterns := make(map[string]library.Pattern, len(conf.SourceFilenamePatterns))
	for sourceID, pattern := range conf.SourceFilenamePatterns {
		patterns[sourceID] = library.Pattern{
			Prefix:    pattern.Prefix,
			Transform: library.ParseTransform(pattern.Transform),
		}
	}

	return engine.Config{
		DownloadsRoot:          conf.DownloadsPath,
		ChownUID:               conf.ChownUID,
		ChownGID:               conf.ChownGID,
		SourcePriority:         conf.SourcePriority,
		FilenamePatterns:       patterns,
		CheckInterval:          time.Duration(conf.CheckInterval) * time.Second,
		TitleMatchThreshold:    conf.TitleMatchThreshold,
		DownloadWaitTimeout:    time.Duration(conf.DownloadWaitTimeout) * time.Second,
		DownloadCheckInterval:  time.Duration(conf.DownloadCheckInterval) * time.Second,
		MaxConcurrentFallbacks: conf.MaxConcurrentFallbacks,
		MaxRetryLoops:          conf.MaxRetryLoops,
		DetectionGracePeriod:   time.Duration(conf.DetectionGracePeriod) * time.Second,
	}
}
