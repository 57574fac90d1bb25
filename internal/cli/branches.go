package cli

import (
	"context"
	"fmt"

	"github.com/intranet/worktime/internal/branches"
	"github.com/spf13/cobra"
)

// branchesCmd represents the branches command
var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "List the branches time can be booked on",
	RunE:  runBranches,
}

func init() {
	branchesCmd.Flags().Bool("refresh", false, "Reload the list from the server")
	branchesCmd.Flags().Bool("all", false, "Include inactive branches")
}

func runBranches(cmd *cobra.Command, args []string) error {
	refresh, _ := cmd.Flags().GetBool("refresh")
	all, _ := cmd.Flags().GetBool("all")

	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Server.Timeout)
	defer cancel()
	list, source, err := rt.session.Branches(ctx, refresh)
	if err != nil {
		fmt.Printf("⚠️  Could not reload branches: %v\n\n", err)
	}

	fmt.Printf("🏢 Branches\n")
	fmt.Printf("═══════════════════════════════════════\n")
	switch source {
	case branches.SourceLive:
		fmt.Printf("📡 Source: server\n\n")
	case branches.SourceCache:
		fmt.Printf("💾 Source: cached list\n\n")
	case branches.SourceFallback:
		fmt.Printf("📝 Source: configuration fallback\n\n")
	default:
		fmt.Printf("❓ No branch list available, run 'worktime branches --refresh'\n")
		return nil
	}

	fmt.Printf("%-6s %-30s %-8s\n", "ID", "Name", "Status")
	fmt.Printf("%-6s %-30s %-8s\n", "──", "────", "──────")
	for _, b := range list {
		if !b.IsActive && !all {
			continue
		}
		status := "✅"
		if !b.IsActive {
			status = "🚫"
		}
		fmt.Printf("%-6d %-30s %-8s\n", b.ID, b.Name, status)
	}
	return nil
}
