package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup [file]",
	Short: "Copy the local store to a file",
	Long: `Write a consistent copy of the local store, including the timer and
the offline queue, to the given file. Without a file name the copy is
placed next to the store with a timestamp suffix.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	target := ""
	if len(args) == 1 {
		target = args[0]
	} else {
		dir := filepath.Dir(rt.cfg.Storage.Path)
		target = filepath.Join(dir, fmt.Sprintf("worktime-%s.db", time.Now().Format("20060102-150405")))
	}

	if err := rt.session.Backup(target); err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("backup written but not readable: %w", err)
	}
	fmt.Printf("💾 Backup written to %s (%s)\n", target, humanize.Bytes(uint64(info.Size())))
	return nil
}
