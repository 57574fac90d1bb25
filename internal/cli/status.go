package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/intranet/worktime/pkg/utils"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the timer status",
	Long: `Display the current timer and synchronization status.

Shows information about:
- The running or pending timer
- Connectivity and the signed-in account
- Entries waiting in the offline queue
- The last synchronization`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("refresh", false, "Check the server for the active timer first")
	statusCmd.Flags().Bool("detailed", false, "Show detailed status information")
	statusCmd.Flags().Bool("json", false, "Output status in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	refresh, _ := cmd.Flags().GetBool("refresh")
	detailed, _ := cmd.Flags().GetBool("detailed")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.session.Status(cmd.Context(), refresh)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("🎯 Worktime Status\n")
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("⏱️  Timer\n")
	fmt.Printf("───────\n")
	fmt.Printf("  State: %s %s\n", utils.TimerStateIcon(st.State), utils.TimerStateLabel(st.State))
	if st.Entry != nil {
		fmt.Printf("  Branch: %s (#%d)\n", st.BranchName, st.Entry.BranchID)
		fmt.Printf("  Started: %s (%s)\n", st.StartedLocal, humanize.Time(st.Entry.StartTime))
		fmt.Printf("  Elapsed: %s\n", st.Elapsed)
		if st.Entry.HasServerID() {
			fmt.Printf("  Server ID: %d\n", st.Entry.ID)
		}
	}
	fmt.Printf("\n")

	fmt.Printf("📡 Connection\n")
	fmt.Printf("────────────\n")
	if st.Online {
		fmt.Printf("  Server: 🟢 Reachable\n")
	} else {
		fmt.Printf("  Server: 🔴 Unreachable\n")
	}
	if st.LoggedIn {
		fmt.Printf("  Account: %s\n", st.Username)
	} else {
		fmt.Printf("  Account: not signed in\n")
	}
	fmt.Printf("\n")

	fmt.Printf("📊 Sync\n")
	fmt.Printf("───────\n")
	fmt.Printf("  Queued: %d %s\n", st.Queued, plural(st.Queued, "entry", "entries"))
	if meta := st.LastSync; meta != nil {
		fmt.Printf("  Last Attempt: %s\n", humanize.Time(meta.LastAttempt))
		if !meta.LastSuccess.IsZero() {
			fmt.Printf("  Last Success: %s\n", humanize.Time(meta.LastSuccess))
		}
		fmt.Printf("  Total Synced: %s\n", humanize.Comma(int64(meta.TotalSynced)))
		if meta.LastError != "" {
			fmt.Printf("  Last Error: %s\n", meta.LastError)
		}
	} else {
		fmt.Printf("  Last Sync: never\n")
	}
	fmt.Printf("\n")

	if detailed {
		fmt.Printf("🔧 System Information\n")
		fmt.Printf("────────────────────\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Backend: %s %s\n", rt.backend.Type, rt.backend.BaseURL)
		fmt.Printf("  Timezone: %s\n", rt.session.Timezone().Location())
		fmt.Printf("  Local Store: %s\n", rt.cfg.Storage.Path)
		fmt.Printf("  Log File: %s\n", rt.cfg.Logging.File)
		fmt.Printf("  Branch List: %s\n", st.BranchSource)
		fmt.Printf("\n")
	}

	issues := 0
	fmt.Printf("⚠️  Issues\n")
	fmt.Printf("─────────\n")
	if st.Queued >= rt.cfg.Sync.QueueWarn && rt.cfg.Sync.QueueWarn > 0 {
		fmt.Printf("  %d entries are waiting for upload\n", st.Queued)
		issues++
	}
	if meta := st.LastSync; meta != nil && meta.ConsecutiveFail > 0 {
		fmt.Printf("  The last %d sync %s failed\n", meta.ConsecutiveFail, plural(meta.ConsecutiveFail, "attempt", "attempts"))
		issues++
	}
	if keys, err := rt.session.Quarantined(); err == nil && len(keys) > 0 {
		fmt.Printf("  %d unreadable %s set aside in the local store\n", len(keys), plural(len(keys), "record was", "records were"))
		issues++
	}
	if issues == 0 {
		fmt.Printf("  No issues detected\n")
	}
	fmt.Printf("\n")

	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("💡 Tip: Use 'worktime status --refresh' to check the server first\n")

	return nil
}
