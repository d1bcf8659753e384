package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vidpush/internal/config"
	"github.com/mschirtzinger/vidpush/internal/ui"
)

var (
	configFile string
	loader     = config.NewLoader()
)

var rootCmd = &cobra.Command{
	Use:   "vidpush",
	Short: "Upload finished videos from a watch folder to blob storage",
	Long: `vidpush watches a directory for video files, waits until each one has
stopped changing, uploads it to Azure Blob Storage or S3 in a single request
and deletes the local copy once the store has acknowledged it.

Settings come from defaults, a config file, VIDPUSH_* environment variables
and flags, in increasing precedence. Run 'vidpush config init' to create a
config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "agent", Title: "Agent:"},
		&cobra.Group{ID: "inspect", Title: "Inspect:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./vidpush.{toml,yaml,json} or "+config.DefaultFile()+")")
	flags.BoolP("verbose", "v", false, "log every observation and polling cycle")
	flags.String("history", "", "upload ledger path, or 'off' to disable")

	bindFlag(rootCmd, "log.verbose", "verbose")
	bindFlag(rootCmd, "history.path", "history")
}

func main() {
	ui.ConfigureColor(os.Stdout)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bindFlag lets flag name on cmd override config key when set.
func bindFlag(cmd *cobra.Command, key, name string) {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(name)
	}
	if f == nil {
		panic("unknown flag " + name)
	}
	if err := loader.Viper().BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// loadConfig reads the layered configuration or exits.
func loadConfig() *config.Config {
	cfg, err := loader.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
