package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	wtlogger "github.com/intranet/worktime/pkg/logger"
	"github.com/intranet/worktime/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View worktime logs",
	Long: `Display worktime operation logs including timer changes, sync
activity and connectivity events.`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().Int("tail", 20, "Number of lines to display")
	logsCmd.Flags().Bool("follow", false, "Follow log output (like tail -f)")
	logsCmd.Flags().String("level", "", "Minimum log level (debug, info, warn, error)")
	logsCmd.Flags().String("since", "", "Show logs since duration (e.g., 2h, 30m, 1d)")
	logsCmd.Flags().Bool("json", false, "Print the raw log lines")
}

// logLine is one parsed log record
type logLine struct {
	Time    time.Time
	Level   zapcore.Level
	Message string
	Raw     string
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// parseLogLine reads a line written by the JSON or the console encoder
func parseLogLine(raw string) (logLine, bool) {
	line := logLine{Raw: raw}
	if strings.HasPrefix(raw, "{") {
		var rec struct {
			Timestamp string `json:"timestamp"`
			Level     string `json:"level"`
			Msg       string `json:"msg"`
		}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return line, false
		}
		line.Time, _ = time.Parse("2006-01-02T15:04:05.000Z0700", rec.Timestamp)
		line.Level, _ = zapcore.ParseLevel(rec.Level)
		line.Message = rec.Msg
		return line, true
	}

	fields := strings.Split(ansiEscape.ReplaceAllString(raw, ""), "\t")
	if len(fields) < 3 {
		return line, false
	}
	t, err := time.Parse("2006-01-02T15:04:05.000Z0700", fields[0])
	if err != nil {
		return line, false
	}
	level, err := zapcore.ParseLevel(fields[1])
	if err != nil {
		return line, false
	}
	line.Time = t
	line.Level = level
	line.Message = strings.Join(fields[2:], " ")
	return line, true
}

// logFilter selects lines by minimum level and age
type logFilter struct {
	minLevel zapcore.Level
	since    time.Time
}

func (f logFilter) match(line logLine) bool {
	if line.Level < f.minLevel {
		return false
	}
	if !f.since.IsZero() && line.Time.Before(f.since) {
		return false
	}
	return true
}

func runLogs(cmd *cobra.Command, args []string) error {
	tail, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")
	level, _ := cmd.Flags().GetString("level")
	since, _ := cmd.Flags().GetString("since")
	rawOutput, _ := cmd.Flags().GetBool("json")

	filter := logFilter{minLevel: zapcore.DebugLevel}
	if level != "" {
		l, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid --level value %q", level)
		}
		filter.minLevel = l
	}
	if since != "" {
		d, err := utils.ParseDuration(since)
		if err != nil {
			return fmt.Errorf("invalid --since value %q: %w", since, err)
		}
		filter.since = time.Now().Add(-d)
	}

	path := viper.GetString("logging.file")
	if path == "" {
		path = wtlogger.DefaultLogPath()
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("📜 No log file yet at %s\n", path)
			return nil
		}
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	fmt.Printf("📜 worktime Logs\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("📁 File: %s\n", path)
	if level != "" {
		fmt.Printf("🔍 Filter: %s level and above\n", level)
	}
	if since != "" {
		fmt.Printf("⏰ Since: %s ago\n", since)
	}
	fmt.Printf("📏 Showing last %d lines\n\n", tail)

	lines, err := lastLines(f, filter, tail)
	if err != nil {
		return err
	}
	for _, line := range lines {
		printLogLine(line, rawOutput)
	}

	if !follow {
		return nil
	}
	fmt.Printf("\n👁️  Waiting for new log entries... (Press Ctrl+C to stop)\n")
	return followLog(cmd, f, path, filter, rawOutput)
}

// lastLines returns the last n matching lines and leaves r at its end
func lastLines(r io.Reader, filter logFilter, n int) ([]logLine, error) {
	var ring []logLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line, ok := parseLogLine(scanner.Text())
		if !ok || !filter.match(line) {
			continue
		}
		ring = append(ring, line)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return ring, nil
}

// followLog prints lines appended to the file until the command is cancelled
func followLog(cmd *cobra.Command, f *os.File, path string, filter logFilter, raw bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}

	defer func() { f.Close() }()

	reader := bufio.NewReader(f)
	var partial string
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case err := <-watcher.Errors:
			return fmt.Errorf("log watcher failed: %w", err)
		case ev := <-watcher.Events:
			if ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				// lumberjack rotated the file; reopen once it is recreated
				f.Close()
				time.Sleep(100 * time.Millisecond)
				nf, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to reopen log file: %w", err)
				}
				f = nf
				reader = bufio.NewReader(f)
				watcher.Add(path)
			}
			for {
				chunk, err := reader.ReadString('\n')
				partial += chunk
				if err != nil {
					break
				}
				if line, ok := parseLogLine(strings.TrimRight(partial, "\n")); ok && filter.match(line) {
					printLogLine(line, raw)
				}
				partial = ""
			}
		}
	}
}

func printLogLine(line logLine, raw bool) {
	if raw {
		fmt.Println(line.Raw)
		return
	}

	levelColors := map[zapcore.Level]string{
		zapcore.DebugLevel: "\033[90m",
		zapcore.InfoLevel:  "\033[36m",
		zapcore.WarnLevel:  "\033[33m",
		zapcore.ErrorLevel: "\033[31m",
	}
	reset := "\033[0m"
	color, ok := levelColors[line.Level]
	if !ok {
		color = "\033[31m"
	}
	fmt.Printf("[%s] %s%-5s%s %s\n",
		line.Time.Local().Format("15:04:05"),
		color,
		line.Level.CapitalString(),
		reset,
		line.Message)
}
