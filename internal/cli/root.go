// Package cli implements the command-line interface for worktime
package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/intranet/worktime/internal/auth"
	"github.com/intranet/worktime/internal/config"
	"github.com/intranet/worktime/internal/database"
	"github.com/intranet/worktime/internal/providers"
	"github.com/intranet/worktime/internal/session"
	wtlogger "github.com/intranet/worktime/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	verboseMode bool
	offlineMode bool
	demoMode    bool
	logger      *zap.Logger
	version     string
	buildDate   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "worktime",
	Short: "worktime - Track working hours, online or offline",
	Long: `worktime records working time against the intranet server.

Timers are written to a local store before the server is contacted, so
starting and stopping keeps working without a connection. Entries recorded
offline are uploaded once the server is reachable again.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	defer wtlogger.Sync()
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, bd string) {
	version = v
	buildDate = bd
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildDate)
}

func init() {
	logger = zap.NewNop()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultFile()+")")
	rootCmd.PersistentFlags().BoolVarP(&verboseMode, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&offlineMode, "offline", false, "do not contact the server")
	rootCmd.PersistentFlags().BoolVar(&demoMode, "demo", false, "use the in-memory demo server")

	viper.BindPFlag("connectivity.offline", rootCmd.PersistentFlags().Lookup("offline"))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(branchesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(backupCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	v := viper.GetViper()
	config.Setup(v, cfgFile)
	if demoMode {
		v.Set("server.backend", config.BackendDemo)
		// keep demo entries out of the real store
		v.SetDefault("storage.path", filepath.Join(filepath.Dir(database.DefaultPath()), "demo.db"))
	}

	if err := config.Read(v); err != nil {
		// commands that need a valid configuration report it through loadConfig
		return
	}

	var lc *wtlogger.LogConfig
	if cfg, err := config.Load(v); err == nil {
		lc = cfg.LogConfig(verboseMode)
	} else {
		lc = wtlogger.DefaultConfig()
		if verboseMode {
			lc.Level = "debug"
			lc.Development = true
		}
	}
	if err := wtlogger.Initialize(lc); err == nil {
		logger = wtlogger.Get()
	}
	if verboseMode && v.ConfigFileUsed() != "" {
		logger.Debug("Using config file", zap.String("file", v.ConfigFileUsed()))
	}
}

// loadConfig reads and validates the configuration
func loadConfig() (*config.Config, error) {
	v := viper.GetViper()
	if err := config.Read(v); err != nil {
		return nil, err
	}
	return config.Load(v)
}

// runtime bundles what a command needs to talk to the server
type runtime struct {
	cfg     *config.Config
	backend *providers.Backend
	session *session.Session
}

func (r *runtime) Close() {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			logger.Warn("Failed to close session", zap.Error(err))
		}
	}
	if err := r.backend.Close(); err != nil {
		logger.Warn("Failed to close backend", zap.Error(err))
	}
}

// openBackend loads the configuration and creates the server backend
func openBackend(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	factory := providers.NewFactory(ctx, logger.Named("providers"))
	backend, err := factory.Create(cfg, auth.NewKeyringStore(""))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return &runtime{cfg: cfg, backend: backend}, nil
}

// openSession opens the backend and the local session
func openSession(ctx context.Context) (*runtime, error) {
	rt, err := openBackend(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := session.Open(session.Options{
		Config:  rt.cfg,
		Backend: rt.backend,
		Logger:  logger,
	})
	if err != nil {
		rt.backend.Close()
		return nil, err
	}
	rt.session = sess
	return rt, nil
}
