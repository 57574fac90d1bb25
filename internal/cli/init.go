package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/intranet/worktime/internal/config"
	"github.com/intranet/worktime/internal/database"
	"github.com/intranet/worktime/internal/timezone"
	wtlogger "github.com/intranet/worktime/pkg/logger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize worktime configuration",
	Long: `Initialize worktime configuration for the current user.

This command creates the configuration file and the directories worktime
writes to:
- config.yaml in the XDG config directory
- the local store in the XDG data directory
- the log directory in the XDG state directory`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("server", "", "Base URL of the intranet server (e.g., https://intranet.example.com/api)")
	initCmd.Flags().String("timezone", "Local", "IANA timezone used to display entries")
	initCmd.Flags().Bool("force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	tzName, _ := cmd.Flags().GetString("timezone")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := timezone.New(tzName); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tzName, err)
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultFile()
	}

	dirs := []string{
		filepath.Dir(configPath),
		filepath.Dir(database.DefaultPath()),
		filepath.Dir(wtlogger.DefaultLogPath()),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", configPath)
	}

	backend := config.BackendHTTP
	if server == "" {
		backend = config.BackendDemo
	}

	defaultConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"base_url": server,
			"timeout":  (10 * time.Second).String(),
			"backend":  backend,
		},
		"user": map[string]interface{}{
			"timezone": tzName,
		},
		"reconcile": map[string]interface{}{
			"active_interval":  (30 * time.Second).String(),
			"refresh_interval": (5 * time.Minute).String(),
			"min_interval":     (5 * time.Second).String(),
		},
		"sync": map[string]interface{}{
			"interval":   time.Minute.String(),
			"batch_size": 100,
			"queue_warn": 50,
		},
		"connectivity": map[string]interface{}{
			"probe_interval": (15 * time.Second).String(),
			"probe_timeout":  (3 * time.Second).String(),
		},
		"logging": map[string]interface{}{
			"level":       "info",
			"file":        wtlogger.DefaultLogPath(),
			"max_size":    20,
			"max_backups": 5,
			"max_age":     30,
		},
	}

	configData, err := yaml.Marshal(defaultConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(configPath, configData, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Printf("✅ worktime initialized successfully!\n")
	fmt.Printf("📝 Configuration file: %s\n", configPath)
	fmt.Printf("💾 Local store: %s\n", database.DefaultPath())
	fmt.Printf("📜 Log file: %s\n", wtlogger.DefaultLogPath())
	fmt.Printf("\n")
	fmt.Printf("Next steps:\n")
	if backend == config.BackendDemo {
		fmt.Printf("0. No --server given, the in-memory demo server is configured\n")
	}
	fmt.Printf("1. Run 'worktime auth login' to sign in\n")
	fmt.Printf("2. Run 'worktime start --branch <id>' to start a timer\n")

	return nil
}
