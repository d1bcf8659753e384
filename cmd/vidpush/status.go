package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vidpush/internal/config"
	"github.com/mschirtzinger/vidpush/internal/engine"
	"github.com/mschirtzinger/vidpush/internal/history"
	"github.com/mschirtzinger/vidpush/internal/ui"
	"github.com/mschirtzinger/vidpush/internal/watch"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show ledger totals and waiting files",
	Long: `Show where the configuration and ledger live, how many uploads the
ledger holds by status, and how many video files are waiting in the watch
directory. When the dashboard port is configured and an agent is running,
its live counters are shown too.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		fmt.Println(ui.RenderHeader("vidpush status"))

		file := loader.ConfigFile()
		if file == "" {
			file = ui.RenderMuted("none (defaults and environment)")
		}
		fmt.Printf("  Config:    %s\n", file)
		fmt.Printf("  Store:     %s\n", cfg.Store.Provider)

		if cfg.Watch.Dir != "" {
			n, bytes, err := waitingFiles(cfg.Watch.Dir, cfg.Watch.Extensions)
			if err != nil {
				fmt.Printf("  Directory: %s %s\n", cfg.Watch.Dir, ui.RenderWarn("("+err.Error()+")"))
			} else {
				fmt.Printf("  Directory: %s (%d waiting, %s)\n", ui.RenderAccent(cfg.Watch.Dir), n, ui.FormatBytes(bytes))
			}
		}

		printLedger(cmd, cfg)

		if cfg.Dashboard.Port > 0 {
			stats, err := fetchStats(cfg.Dashboard.Port)
			if err != nil {
				fmt.Printf("\n%s no running agent on port %d\n", ui.RenderMuted("○"), cfg.Dashboard.Port)
				return
			}
			fmt.Printf("\n%s Agent running since %s\n", ui.RenderPass("●"), stats.StartedAt.Local().Format(time.DateTime))
			fmt.Printf("  Cycles: %d  Tracked: %d  In flight: %d\n", stats.Cycles, stats.Tracked, stats.InFlight)
			fmt.Printf("  Uploaded: %d  Failed: %d  Retries: %d\n", stats.Uploaded, stats.Failed, stats.Retries)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printLedger(cmd *cobra.Command, cfg *config.Config) {
	if !cfg.HistoryEnabled() {
		fmt.Printf("  History:   %s\n", ui.RenderMuted("disabled"))
		return
	}
	fmt.Printf("  History:   %s\n", cfg.History.Path)

	db, err := openHistory(cmd.Context(), cfg)
	if err != nil {
		fmt.Printf("\n%s %v\n", ui.RenderWarn("⚠"), err)
		return
	}
	defer db.Close()

	c, err := db.Counts(cmd.Context())
	if err != nil {
		fmt.Printf("\n%s %v\n", ui.RenderWarn("⚠"), err)
		return
	}

	fmt.Printf("\n  %s %d  %s %d  %s %d  (%d total, %s)\n",
		ui.RenderStatus(string(history.StatusUploaded)), c.Uploaded,
		ui.RenderStatus(string(history.StatusKept)), c.Kept,
		ui.RenderStatus(string(history.StatusFailed)), c.Failed,
		c.Total, ui.FormatBytes(c.Bytes))
	if !c.Last.IsZero() {
		fmt.Printf("  Last upload: %s\n", c.Last.Local().Format(time.DateTime))
	}
}

// waitingFiles counts the video files currently in dir.
func waitingFiles(dir string, exts []string) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	var (
		n     int
		total int64
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !watch.IsVideo(entry.Name(), exts) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		n++
		total += info.Size()
	}
	return n, total, nil
}

// fetchStats asks a running agent's dashboard for its counters.
func fetchStats(port int) (engine.Stats, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	var stats engine.Stats
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/stats", port))
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode stats: %w", err)
	}
	return stats, nil
}
