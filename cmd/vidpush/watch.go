package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vidpush/internal/config"
	"github.com/mschirtzinger/vidpush/internal/dashboard"
	"github.com/mschirtzinger/vidpush/internal/engine"
	"github.com/mschirtzinger/vidpush/internal/history"
	"github.com/mschirtzinger/vidpush/internal/logging"
	"github.com/mschirtzinger/vidpush/internal/stability"
	"github.com/mschirtzinger/vidpush/internal/ui"
	"github.com/mschirtzinger/vidpush/internal/upload"
)

var watchCmd = &cobra.Command{
	Use:     "watch [dir]",
	GroupID: "agent",
	Short:   "Watch a directory and upload finished videos",
	Long: `Watch a directory for video files and upload each one once it has
stopped changing. A file is deleted locally only after the store confirms the
upload; failed uploads leave it in place for the next attempt.

Strategies:
  poll    enumerate the directory every --interval; a file is ready when two
          consecutive cycles see the same size and CRC32 (default)
  notify  react to filesystem events; a file is ready when its size holds
          steady across the stability samples

Examples:
  vidpush watch /srv/camera --account myacct --token '?sv=...'
  vidpush watch /srv/camera --strategy notify --dashboard-port 8080
  vidpush watch /srv/camera --provider s3 --bucket footage`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			loader.Viper().Set("watch.dir", args[0])
		}
		cfg := loadConfig()

		if err := runWatch(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	f := watchCmd.Flags()
	f.String("strategy", "", "observation strategy: poll or notify")
	f.Duration("interval", 0, "polling interval (poll strategy)")
	f.StringSlice("ext", nil, "video extensions to upload (default .mp4)")
	f.Bool("scan-existing", true, "upload files already present at startup (notify strategy)")
	f.Int("samples", 0, "stability samples (notify strategy)")
	f.Duration("sample-interval", 0, "time between stability samples (notify strategy)")
	f.String("provider", "", "blob store: azure or s3")
	f.String("account", "", "Azure storage account")
	f.String("container", "", "Azure container")
	f.String("token", "", "Azure SAS token, starting with '?'")
	f.String("bucket", "", "S3 bucket")
	f.String("region", "", "S3 region")
	f.Duration("timeout", 0, "limit for a single upload")
	f.Int("max-retries", 0, "retries for a failed upload (notify strategy)")
	f.Int("dashboard-port", 0, "serve the live dashboard on this port (0 disables)")
	f.String("log-file", "", "mirror logs to this file, rotated by size")

	for key, name := range map[string]string{
		"watch.strategy":      "strategy",
		"watch.interval":      "interval",
		"watch.extensions":    "ext",
		"watch.scan_existing": "scan-existing",
		"stability.samples":   "samples",
		"stability.interval":  "sample-interval",
		"store.provider":      "provider",
		"azure.account":       "account",
		"azure.container":     "container",
		"azure.token":         "token",
		"s3.bucket":           "bucket",
		"s3.region":           "region",
		"upload.timeout":      "timeout",
		"upload.max_retries":  "max-retries",
		"dashboard.port":      "dashboard-port",
		"log.file":            "log-file",
	} {
		bindFlag(watchCmd, key, name)
	}

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logs, err := logging.Setup(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Verbose:    cfg.Log.Verbose,
	}, os.Stderr)
	if err != nil {
		return err
	}
	defer logs.Close()
	ui.ConfigureColor(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	strategy, err := engine.ParseStrategy(cfg.Watch.Strategy)
	if err != nil {
		return err
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	coordConfig := upload.DefaultConfig()
	coordConfig.Timeout = cfg.Upload.Timeout
	coordConfig.Logger = logs.New("upload")

	ledger := "disabled"
	if cfg.HistoryEnabled() {
		db, err := history.OpenContext(ctx, cfg.History.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s history unavailable, continuing without it: %v\n", ui.RenderWarn("⚠"), err)
		} else {
			defer db.Close()
			coordConfig.Recorder = db
			ledger = db.Path()
		}
	}

	coord, err := upload.NewCoordinator(store, coordConfig)
	if err != nil {
		return err
	}

	engineConfig := engine.DefaultConfig()
	engineConfig.Strategy = strategy
	engineConfig.Extensions = cfg.Watch.Extensions
	engineConfig.Interval = cfg.Watch.Interval
	engineConfig.ScanExisting = cfg.Watch.ScanExisting
	engineConfig.Stability = stability.New(cfg.Stability.Samples, cfg.Stability.Interval)
	engineConfig.MaxRetries = cfg.Upload.MaxRetries
	engineConfig.RetryBackoff = cfg.Upload.RetryBackoff
	engineConfig.Verbose = logs.Verbose()
	engineConfig.Logger = logs.New("engine")

	var running atomic.Pointer[engine.Engine]
	if cfg.Dashboard.Port > 0 {
		server := dashboard.NewServer(&dashboard.Config{
			Port: cfg.Dashboard.Port,
			Stats: func() engine.Stats {
				if e := running.Load(); e != nil {
					return e.Stats()
				}
				return engine.Stats{}
			},
			Logger: logs.New("dashboard"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()
		engineConfig.Observers = append(engineConfig.Observers, dashboard.NewHandler(server, nil))
		fmt.Fprintf(os.Stderr, "%s Dashboard at %s\n", ui.RenderPass("✓"), ui.RenderAccent("http://"+server.GetAddr()))
	}

	e, err := engine.New(cfg.Watch.Dir, coord, engineConfig)
	if err != nil {
		return err
	}
	running.Store(e)

	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderHeader("vidpush"), ui.RenderMuted("press Ctrl+C to stop"))
	fmt.Fprintf(os.Stderr, "  Directory: %s\n", ui.RenderAccent(cfg.Watch.Dir))
	fmt.Fprintf(os.Stderr, "  Strategy:  %s\n", strategy)
	fmt.Fprintf(os.Stderr, "  Store:     %s\n", upload.RedactURL(store.URL("")))
	fmt.Fprintf(os.Stderr, "  History:   %s\n", ledger)

	if err := e.Run(ctx); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s Stopped\n", ui.RenderPass("✓"))
	return nil
}

// newStore builds the configured blob store.
func newStore(ctx context.Context, cfg *config.Config) (upload.Store, error) {
	switch cfg.Store.Provider {
	case "s3":
		return upload.NewS3Store(ctx, upload.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	case "azure":
		return upload.NewAzureStore(upload.AzureConfig{
			Account:   cfg.Azure.Account,
			Container: cfg.Azure.Container,
			Token:     cfg.Azure.Token,
			Domain:    cfg.Azure.Domain,
			Endpoint:  cfg.Azure.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}
}
