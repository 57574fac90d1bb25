package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/intranet/worktime/internal/config"
	wtlogger "github.com/intranet/worktime/pkg/logger"
	"github.com/intranet/worktime/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// watchCmd represents the watch command (the long-running session)
var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"pulse"},
	Short:   "Keep the timer in sync in the foreground",
	Long: `Run worktime in the foreground. While running, worktime:
- checks the server for the active timer at a steady pulse
- uploads offline entries as soon as the server is reachable
- reloads the configuration file when it changes

The local store is held exclusively while watching, so timer commands are
read from standard input: start <branch>, stop, status, sync, refresh, quit.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Duration("status-interval", time.Minute, "How often to print the timer status (0 disables)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	statusInterval, _ := cmd.Flags().GetDuration("status-interval")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("🚀 Starting worktime watch\n")
	fmt.Printf("🌐 Server: %s (%s)\n", rt.backend.BaseURL, rt.backend.Type)
	fmt.Printf("⏱️  Active check: %s\n", rt.cfg.Reconcile.ActiveInterval)
	fmt.Printf("🔄 Sync interval: %s\n", rt.cfg.Sync.Interval)
	fmt.Printf("🗂️  Refresh interval: %s\n", rt.cfg.Reconcile.RefreshInterval)
	if rt.cfg.Connectivity.Offline {
		fmt.Printf("📴 OFFLINE MODE - the server is not contacted\n")
	}

	if file := viper.ConfigFileUsed(); file != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				logger.Warn("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
				return
			}
			rt.session.ApplyConfig(cfg)
			if !verboseMode {
				wtlogger.SetLevel(cfg.Logging.Level)
			}
			fmt.Printf("[%s] ⚙️  Configuration reloaded\n", time.Now().Format("15:04:05"))
		})
		viper.WatchConfig()
		fmt.Printf("📝 Watching config: %s\n", file)
	}
	fmt.Printf("\n")

	if err := rt.session.Run(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	fmt.Printf("💓 worktime is watching... Press Ctrl+C to stop\n")
	fmt.Printf("   Commands: start <branch>, stop, status, sync, refresh, quit\n\n")
	printTimerLine(ctx, rt)

	lines := make(chan string)
	go readCommands(lines)

	var tick <-chan time.Time
	if statusInterval > 0 {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n[%s] 🛑 Stopping worktime watch...\n", time.Now().Format("15:04:05"))
			return nil
		case <-tick:
			printTimerLine(ctx, rt)
		case line, ok := <-lines:
			if !ok {
				// stdin closed, keep running until signalled
				lines = nil
				continue
			}
			if quit := handleCommand(ctx, rt, line); quit {
				fmt.Printf("[%s] 🛑 Stopping worktime watch...\n", time.Now().Format("15:04:05"))
				return nil
			}
		}
	}
}

func readCommands(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines <- line
		}
	}
}

// handleCommand runs one stdin command and reports whether to quit
func handleCommand(ctx context.Context, rt *runtime, line string) bool {
	fields := strings.Fields(line)
	ts := time.Now().Format("15:04:05")

	switch fields[0] {
	case "start":
		if len(fields) != 2 {
			fmt.Printf("[%s] ❓ usage: start <branch>\n", ts)
			return false
		}
		branchID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Printf("[%s] ❌ invalid branch %q\n", ts, fields[1])
			return false
		}
		res, err := rt.session.Start(ctx, branchID)
		if err != nil {
			fmt.Printf("[%s] ❌ Start failed: %v\n", ts, err)
			return false
		}
		fmt.Printf("[%s] ▶️  %s %s\n", ts, utils.TimerStateIcon(res.State), utils.TimerStateLabel(res.State))
	case "stop":
		res, err := rt.session.Stop(ctx)
		if err != nil {
			fmt.Printf("[%s] ❌ Stop failed: %v\n", ts, err)
			return false
		}
		msg := "Timer stopped"
		if res.Queued {
			msg += ", saved offline"
		}
		fmt.Printf("[%s] ⏹️  %s\n", ts, msg)
	case "status":
		printTimerLine(ctx, rt)
	case "sync":
		res, err := rt.session.Sync(ctx)
		if err != nil {
			fmt.Printf("[%s] ❌ Sync failed: %v\n", ts, err)
			return false
		}
		fmt.Printf("[%s] 🔄 Synced: %d uploaded, %d failed\n", ts, len(res.Succeeded), len(res.Failed))
	case "refresh":
		if err := rt.session.Refresh(ctx); err != nil {
			fmt.Printf("[%s] ⚠️  Refresh incomplete: %v\n", ts, err)
			return false
		}
		fmt.Printf("[%s] 🗂️  History and branches reloaded\n", ts)
	case "quit", "exit":
		return true
	default:
		fmt.Printf("[%s] ❓ Unknown command %q\n", ts, fields[0])
	}
	return false
}

func printTimerLine(ctx context.Context, rt *runtime) {
	st, err := rt.session.Status(ctx, false)
	if err != nil {
		logger.Warn("Failed to read status", zap.Error(err))
		return
	}
	ts := time.Now().Format("15:04:05")
	conn := "🟢"
	if !st.Online {
		conn = "🔴"
	}
	if st.Entry == nil {
		fmt.Printf("[%s] %s %s %s | 📦 %d queued\n", ts, conn, utils.TimerStateIcon(st.State), utils.TimerStateLabel(st.State), st.Queued)
		return
	}
	fmt.Printf("[%s] %s %s %s on %s for %s | 📦 %d queued\n",
		ts, conn, utils.TimerStateIcon(st.State), utils.TimerStateLabel(st.State), st.BranchName, st.Elapsed, st.Queued)
}
