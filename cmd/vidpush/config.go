package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vidpush/internal/config"
	"github.com/mschirtzinger/vidpush/internal/stability"
	"github.com/mschirtzinger/vidpush/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "agent",
	Short:   "Create or inspect the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file",
	Long: `Write a TOML configuration file holding the current settings.

With --interactive (the default on a terminal) a short form asks for the
watch directory, strategy and store credentials first. The file is created
with owner-only permissions since it may hold a SAS token or secret key.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		interactive := ui.IsTerminal(os.Stdin)
		if cmd.Flags().Changed("interactive") {
			interactive, _ = cmd.Flags().GetBool("interactive")
		}
		if path == "" {
			path = config.DefaultFile()
		}

		if interactive {
			if err := configForm(cfg).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Fprintln(os.Stderr, "Cancelled")
					os.Exit(1)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if err := config.Save(path, cfg, force); err != nil {
			if errors.Is(err, config.ErrExists) {
				fmt.Fprintf(os.Stderr, "Error: %v (use --force to overwrite)\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), ui.RenderAccent(path))
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\n%s Still incomplete:\n", ui.RenderWarn("⚠"))
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Printf("  %s\n", line)
			}
		}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
VIDPUSH_* environment variables and flags. Secrets are masked.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		name, _ := cmd.Flags().GetString("format")
		format, err := config.ParseFormat(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if file := loader.ConfigFile(); file != "" {
			fmt.Printf("# from %s\n", file)
		}
		if err := config.Encode(os.Stdout, format, cfg, true); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "file to write (default "+config.DefaultFile()+")")
	configInitCmd.Flags().Bool("interactive", false, "prompt for settings (default when stdin is a terminal)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configShowCmd.Flags().String("format", "yaml", "output format: yaml or toml")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// configForm edits cfg in place.
func configForm(cfg *config.Config) *huh.Form {
	interval := cfg.Watch.Interval.String()
	samples := strconv.Itoa(cfg.Stability.Samples)

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Watch directory").
				Description("Finished videos in this directory are uploaded and deleted").
				Value(&cfg.Watch.Dir).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("a directory is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Strategy").
				Options(
					huh.NewOption("Poll the directory on an interval", "poll"),
					huh.NewOption("Filesystem notifications", "notify"),
				).
				Value(&cfg.Watch.Strategy),
			huh.NewSelect[string]().
				Title("Store").
				Options(
					huh.NewOption("Azure Blob Storage", "azure"),
					huh.NewOption("Amazon S3", "s3"),
				).
				Value(&cfg.Store.Provider),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Polling interval").
				Description("A file is ready once two polls see the same content").
				Value(&interval).
				Validate(func(s string) error {
					d, err := parseDurationField(s)
					if err == nil {
						cfg.Watch.Interval = d
					}
					return err
				}),
		).WithHideFunc(func() bool { return cfg.Watch.Strategy != "poll" }),

		huh.NewGroup(
			huh.NewInput().
				Title("Stability samples").
				Description("Most size checks before giving up; two equal sizes in a row mean done").
				Value(&samples).
				Validate(func(s string) error {
					n, err := parseSamplesField(s)
					if err == nil {
						cfg.Stability.Samples = n
					}
					return err
				}),
		).WithHideFunc(func() bool { return cfg.Watch.Strategy != "notify" }),

		huh.NewGroup(
			huh.NewInput().
				Title("Storage account").
				Value(&cfg.Azure.Account),
			huh.NewInput().
				Title("Container").
				Value(&cfg.Azure.Container),
			huh.NewInput().
				Title("SAS token").
				Description("Starts with '?'").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Azure.Token).
				Validate(func(s string) error {
					if s != "" && !strings.HasPrefix(s, "?") {
						return errors.New("the token must start with '?'")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return cfg.Store.Provider != "azure" }),

		huh.NewGroup(
			huh.NewInput().
				Title("Bucket").
				Value(&cfg.S3.Bucket),
			huh.NewInput().
				Title("Region").
				Description("Leave empty to use the AWS environment").
				Value(&cfg.S3.Region),
			huh.NewInput().
				Title("Key prefix").
				Value(&cfg.S3.Prefix),
		).WithHideFunc(func() bool { return cfg.Store.Provider != "s3" }),
	)
}

func parseSamplesField(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < stability.MinSamples {
		return 0, fmt.Errorf("enter a whole number of at least %d", stability.MinSamples)
	}
	return n, nil
}

func parseDurationField(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.New("enter a duration such as 30s or 6m")
	}
	if d <= 0 {
		return 0, errors.New("the duration must be positive")
	}
	return d, nil
}
