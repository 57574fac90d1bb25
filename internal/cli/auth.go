package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage intranet credentials",
	Long:  `Sign in to the intranet server and manage the stored session.`,
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with your intranet account",
	Long: `Sign in to the intranet server. The issued tokens are stored in the
system keyring and refreshed automatically when they expire.`,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored credentials",
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signed-in account",
	RunE:  runAuthStatus,
}

func init() {
	authLoginCmd.Flags().StringP("username", "u", "", "Intranet username")
	authLoginCmd.Flags().String("password", "", "Intranet password (prompted when omitted)")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")

	rt, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("🔐 Sign in to %s\n", rt.backend.BaseURL)
	fmt.Printf("═══════════════════════════════════════\n\n")

	reader := bufio.NewReader(os.Stdin)
	if username == "" {
		fmt.Print("Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if password == "" {
		password, err = readPassword(reader)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Server.Timeout)
	defer cancel()

	creds, err := rt.backend.Auth.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Printf("\n✅ Signed in as %s (user %d)\n", creds.Username, creds.UserID)
	fmt.Printf("💡 Run 'worktime start --branch <id>' to start a timer\n")
	return nil
}

// readPassword reads without echo from a terminal, or a plain line otherwise
func readPassword(reader *bufio.Reader) (string, error) {
	fmt.Print("Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	rt, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	if pending, err := rt.session.Pending(); err == nil && len(pending) > 0 {
		fmt.Printf("⚠️  %d offline %s not uploaded yet; they stay queued for the next login\n",
			len(pending), plural(len(pending), "entry", "entries"))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Server.Timeout)
	defer cancel()
	if err := rt.session.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	fmt.Printf("👋 Signed out\n")
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	rt, err := openBackend(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("🔐 Authentication Status\n")
	fmt.Printf("═══════════════════════════════════════\n\n")
	fmt.Printf("  Server: %s (%s)\n", rt.backend.BaseURL, rt.backend.Type)

	creds, err := rt.backend.Auth.Credentials()
	if err != nil {
		fmt.Printf("  State: 🔴 Not signed in\n\n")
		fmt.Printf("💡 Run 'worktime auth login' to sign in\n")
		return nil
	}

	fmt.Printf("  State: 🟢 Signed in\n")
	fmt.Printf("  Account: %s\n", creds.Username)
	fmt.Printf("  User ID: %d\n", creds.UserID)
	if !creds.IssuedAt.IsZero() {
		fmt.Printf("  Since: %s (%s)\n", creds.IssuedAt.Local().Format(time.DateTime), humanize.Time(creds.IssuedAt))
	}
	if rt.cfg.User.ID > 0 && rt.cfg.User.ID != creds.UserID {
		fmt.Printf("  ⚠️  user.id is overridden to %d\n", rt.cfg.User.ID)
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
