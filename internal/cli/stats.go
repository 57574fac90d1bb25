package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show weekly work-time statistics",
	Long: `Summarize the hours of one Monday-based week in the configured
timezone. Closed entries count; the running timer does not.

The week can be exported as CSV with --export.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().String("week", "", "Any date inside the week, as YYYY-MM-DD (default: current week)")
	statsCmd.Flags().Int("offset", 0, "Week relative to --week, e.g. -1 for the previous week")
	statsCmd.Flags().String("export", "", "Write the week's entries as CSV to this file ('-' for stdout)")
	statsCmd.Flags().Bool("json", false, "Output statistics in JSON format")
}

func runStats(cmd *cobra.Command, args []string) error {
	weekFlag, _ := cmd.Flags().GetString("week")
	offset, _ := cmd.Flags().GetInt("offset")
	export, _ := cmd.Flags().GetString("export")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	tz := rt.session.Timezone()
	week := time.Now()
	if weekFlag != "" {
		week, err = time.ParseInLocation(time.DateOnly, weekFlag, tz.Location())
		if err != nil {
			return fmt.Errorf("invalid --week value %q: %w", weekFlag, err)
		}
	}
	week = week.AddDate(0, 0, 7*offset)

	if export != "" {
		return exportWeek(rt, week, export)
	}

	weekly, err := rt.session.WeeklyStats(week)
	if err != nil {
		return fmt.Errorf("failed to compute statistics: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(weekly)
	}

	fmt.Printf("📊 Week of %s\n", weekly.WeekStart.Format("Mon 02.01.2006"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	for _, d := range weekly.Daily {
		bar := strings.Repeat("█", int(d.Hours+0.5))
		fmt.Printf("  %-3s %s  %5.2fh  %s\n", d.Day, d.Date.Format("02.01."), d.Hours, bar)
	}

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("⏱️  Total: %.2fh\n", weekly.TotalHours)
	fmt.Printf("📅 Days worked: %d\n", weekly.DaysWorked)
	fmt.Printf("📈 Average per day: %.2fh\n", weekly.AverageHoursPerDay)
	return nil
}

func exportWeek(rt *runtime, week time.Time, path string) error {
	rows, err := rt.session.ExportWeek(week)
	if err != nil {
		return fmt.Errorf("failed to export week: %w", err)
	}

	var out io.Writer = os.Stdout
	if path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()
		out = f
	}

	w := csv.NewWriter(out)
	w.Write([]string{"Date", "Start", "End", "Hours", "Branch"})
	for _, r := range rows {
		w.Write([]string{r.Date, r.Start, r.End, strconv.FormatFloat(r.Hours, 'f', 2, 64), r.Branch})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}

	if path != "-" {
		fmt.Printf("✅ Exported %d %s to %s\n", len(rows), plural(len(rows), "entry", "entries"), path)
	}
	return nil
}
