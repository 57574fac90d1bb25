package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/intranet/worktime/pkg/utils"
	"github.com/spf13/cobra"
)

// syncCmd represents the sync command for manual synchronization
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload entries recorded offline",
	Long: `Upload the offline queue to the intranet server.

Each entry carries an offline ID, so entries the server already stored
are not duplicated when a sync is repeated.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("pending", false, "List queued entries without uploading")
}

func runSync(cmd *cobra.Command, args []string) error {
	pendingOnly, _ := cmd.Flags().GetBool("pending")

	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	pending, err := rt.session.Pending()
	if err != nil {
		return fmt.Errorf("failed to read offline queue: %w", err)
	}

	if pendingOnly {
		tz := rt.session.Timezone()
		fmt.Printf("📦 Offline Queue (%d)\n", len(pending))
		fmt.Printf("═══════════════════════════════════════\n")
		for _, q := range pending {
			e := q.Entry
			fmt.Printf("  %s  %-8s  %-20s  queued %s",
				tz.FormatLocal(e.StartTime),
				tz.Duration(e.StartTime, e.EndTime),
				utils.TruncateString(rt.session.BranchName(e.BranchID), 20),
				humanize.Time(q.QueuedAt))
			if q.Attempts > 0 {
				fmt.Printf("  (%d %s, %s)", q.Attempts, plural(q.Attempts, "attempt", "attempts"), q.LastError)
			}
			fmt.Printf("\n")
		}
		return nil
	}

	fmt.Printf("🔄 Starting Worktime Sync\n")
	fmt.Printf("📦 Queued entries: %d\n", len(pending))
	if len(pending) == 0 {
		fmt.Printf("✅ Nothing to upload\n")
		return nil
	}

	result, err := rt.session.Sync(cmd.Context())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("\n✅ Sync completed in %s\n", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Printf("📊 Summary:\n")
	fmt.Printf("   Uploaded: %d\n", len(result.Succeeded))
	fmt.Printf("   Failed: %d\n", len(result.Failed))
	if result.TransportError != "" {
		fmt.Printf("⚠️  Server unreachable: %s\n", result.TransportError)
		fmt.Printf("   Entries stay queued and are retried on the next sync\n")
	}
	if len(result.Failed) > 0 {
		fmt.Printf("💡 Run 'worktime sync --pending' to see why entries were rejected\n")
	}
	return nil
}
