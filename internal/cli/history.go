package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/intranet/worktime/pkg/models"
	"github.com/intranet/worktime/pkg/utils"
	"github.com/spf13/cobra"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"list"},
	Short:   "List recorded work time",
	Long: `Display recorded entries, newest first.

Entries come from the locally cached server history plus entries recorded
offline that have not been uploaded yet.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().String("since", "7d", "Show entries started within this period (e.g., 24h, 7d, 30d)")
	historyCmd.Flags().Bool("refresh", false, "Reload the history from the server first")
	historyCmd.Flags().Int("limit", 50, "Limit number of results")
}

func runHistory(cmd *cobra.Command, args []string) error {
	sinceFlag, _ := cmd.Flags().GetString("since")
	refresh, _ := cmd.Flags().GetBool("refresh")
	limit, _ := cmd.Flags().GetInt("limit")

	window, err := utils.ParseDuration(sinceFlag)
	if err != nil {
		return fmt.Errorf("invalid --since value %q: %w", sinceFlag, err)
	}

	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	if refresh {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*rt.cfg.Server.Timeout)
		if err := rt.session.Refresh(ctx); err != nil {
			fmt.Printf("⚠️  Refresh incomplete, showing cached entries: %v\n\n", err)
		}
		cancel()
	}

	entries, err := rt.session.History(time.Now().Add(-window))
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	fmt.Printf("📜 Work Time (last %s)\n", sinceFlag)
	fmt.Printf("═══════════════════════════════════════\n\n")

	tz := rt.session.Timezone()
	fmt.Printf("%-18s %-8s %-10s %-22s %-12s\n", "Started", "Ended", "Duration", "Branch", "Status")
	fmt.Printf("%-18s %-8s %-10s %-22s %-12s\n", "───────", "─────", "────────", "──────", "──────")

	var total time.Duration
	shown := 0
	for _, e := range entries {
		if limit > 0 && shown >= limit {
			break
		}
		ended := "-"
		if e.EndTime != nil {
			ended = tz.ToLocal(*e.EndTime).Format("15:04")
			total += e.Duration(time.Now())
		}
		fmt.Printf("%-18s %-8s %-10s %-22s %-12s\n",
			tz.FormatLocal(e.StartTime),
			ended,
			tz.Duration(e.StartTime, e.EndTime),
			utils.TruncateString(rt.session.BranchName(e.BranchID), 22),
			entryStatus(e))
		shown++
	}
	if shown == 0 {
		fmt.Printf("  No entries recorded\n")
	}

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("📊 Summary: %d %s, %s closed time\n", len(entries), plural(len(entries), "entry", "entries"), utils.FormatDuration(total))
	if limit > 0 && len(entries) > limit {
		fmt.Printf("   Showing %d, use --limit to see more\n", limit)
	}
	return nil
}

func entryStatus(e *models.WorkTimeEntry) string {
	switch {
	case e.Active():
		return "▶️ Running"
	case !e.Synced:
		return "⏳ Pending"
	default:
		return "✅ Synced"
	}
}
