package cli

import (
	"fmt"

	"github.com/intranet/worktime/pkg/utils"
	"github.com/spf13/cobra"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a work timer",
	Long: `Start a work timer on the given branch.

The timer is recorded locally first. When the server is reachable it is
confirmed there; otherwise it runs offline and is uploaded after it stops.
A timer already running on another device is adopted instead.`,
	RunE: runStart,
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running timer",
	RunE:  runStop,
}

func init() {
	startCmd.Flags().Int64P("branch", "b", 0, "Branch ID to book the time on (see 'worktime branches')")
	startCmd.MarkFlagRequired("branch")
}

func runStart(cmd *cobra.Command, args []string) error {
	branchID, _ := cmd.Flags().GetInt64("branch")

	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.session.Start(cmd.Context(), branchID)
	if err != nil {
		return fmt.Errorf("failed to start timer: %w", err)
	}

	tz := rt.session.Timezone()
	switch {
	case res.AlreadyRunning:
		fmt.Printf("ℹ️  A timer is already running\n")
	case res.Cancelled:
		fmt.Printf("🛑 The start was cancelled by a stop\n")
		return nil
	default:
		fmt.Printf("▶️  Timer started\n")
	}
	if res.Entry != nil {
		fmt.Printf("   Branch: %s\n", branchLabel(rt, res.Entry.BranchID))
		fmt.Printf("   Started: %s\n", tz.FormatLocal(res.Entry.StartTime))
	}
	fmt.Printf("   State: %s %s\n", utils.TimerStateIcon(res.State), utils.TimerStateLabel(res.State))
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.session.Stop(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to stop timer: %w", err)
	}

	tz := rt.session.Timezone()
	fmt.Printf("⏹️  Timer stopped\n")
	if e := res.Entry; e != nil {
		fmt.Printf("   Branch: %s\n", branchLabel(rt, e.BranchID))
		fmt.Printf("   Started: %s\n", tz.FormatLocal(e.StartTime))
		if e.EndTime != nil {
			fmt.Printf("   Ended: %s\n", tz.FormatLocal(*e.EndTime))
		}
		fmt.Printf("   Duration: %s\n", tz.Duration(e.StartTime, e.EndTime))
	}
	if res.Queued {
		fmt.Printf("📦 Saved offline, it will be uploaded on the next sync\n")
	}
	return nil
}

func branchLabel(rt *runtime, id int64) string {
	return fmt.Sprintf("%s (#%d)", rt.session.BranchName(id), id)
}
