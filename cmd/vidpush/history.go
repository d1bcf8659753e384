package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/vidpush/internal/config"
	"github.com/mschirtzinger/vidpush/internal/history"
	"github.com/mschirtzinger/vidpush/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "inspect",
	Short:   "List past uploads from the ledger",
	Long: `List upload attempts recorded by 'vidpush watch', newest first.

--since accepts a duration (90m, 24h), a date (2026-01-31), an RFC 3339
timestamp or plain English ("yesterday", "last monday", "3 days ago").

Examples:
  vidpush history --since 24h
  vidpush history --status failed --limit 50
  vidpush history --since yesterday --json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		since, _ := cmd.Flags().GetString("since")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		filter := history.Filter{Limit: limit}
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			filter.Since = t
		}
		if status != "" {
			s, err := history.ParseStatus(status)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			filter.Status = s
		}

		db, err := openHistory(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		entries, err := db.List(cmd.Context(), filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if entries == nil {
				entries = []history.Entry{}
			}
			if err := enc.Encode(entries); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No uploads recorded"))
			return
		}
		fmt.Println(renderEntries(entries))
		fmt.Printf("\n%d entries from %s\n", len(entries), ui.RenderMuted(db.Path()))
	},
}

func init() {
	historyCmd.Flags().String("since", "", "only entries finished after this time")
	historyCmd.Flags().String("status", "", "only entries with this status: uploaded, kept or failed")
	historyCmd.Flags().Int("limit", 20, "maximum entries to show (0 for all)")
	historyCmd.Flags().Bool("json", false, "output JSON")

	rootCmd.AddCommand(historyCmd)
}

// openHistory opens the ledger named by cfg. The file must already exist.
func openHistory(ctx context.Context, cfg *config.Config) (*history.DB, error) {
	if !cfg.HistoryEnabled() {
		return nil, fmt.Errorf("history is disabled (history.path = %q)", cfg.History.Path)
	}
	if _, err := os.Stat(cfg.History.Path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no history at %s; run 'vidpush watch' first", cfg.History.Path)
		}
		return nil, fmt.Errorf("failed to access history: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return history.OpenContext(ctx, cfg.History.Path)
}

// parseSince resolves a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since duration cannot be negative: %s", s)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand --since %q", s)
	}
	return r.Time, nil
}

func renderEntries(entries []history.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := e.Error
		if detail == "" {
			detail = e.URL
		}
		rows = append(rows, []string{
			e.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			ui.RenderStatus(string(e.Status)),
			filepath.Base(e.Path),
			ui.FormatBytes(e.Size),
			e.Duration().Round(time.Millisecond).String(),
			fmt.Sprint(e.Attempt),
			detail,
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(ui.MutedStyle).
		Headers("FINISHED", "STATUS", "FILE", "SIZE", "TOOK", "TRY", "DETAIL").
		Rows(rows...).
		String()
}
