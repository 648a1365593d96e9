package cli

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kite-autotrader/pkg/utils"
)

// addAuthCommands adds authentication commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newAuthStatusCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to Zerodha Kite Connect",
		Long: `Login to Zerodha Kite Connect.

Opens the Kite login page in a browser and exchanges the request token from
the redirect URL for an access token. The session is saved next to the
configuration and is valid until 06:00 IST the next day. A running
'trader serve' picks it up on its next signal.`,
		Example: `  trader login
  trader login --token=<request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			zb, err := app.Zerodha()
			if err != nil {
				output.Error("Broker not configured: %v", err)
				return err
			}

			force, _ := cmd.Flags().GetBool("force")
			if zb.IsAuthenticated() && !force {
				output.Success("✓ Already logged in")
				showSessionExpiry(output)
				return nil
			}

			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				loginURL := zb.GetLoginURL()
				output.Info("Opening Zerodha login page...")
				output.Println()
				output.Bold("Login URL:")
				output.Println(loginURL)
				output.Println()

				if err := openURL(loginURL); err != nil {
					output.Warning("Could not open browser automatically")
				}

				output.Info("After logging in, you'll be redirected to a URL like:")
				output.Dim("  https://your-redirect-url.com/?request_token=XXXXXX&status=success")
				output.Println()
				output.Bold("Paste the request_token value here:")

				reader := bufio.NewReader(cmd.InOrStdin())
				output.Printf("> ")
				line, _ := reader.ReadString('\n')
				token = extractRequestToken(line)
			}

			if token == "" {
				output.Error("No token provided")
				return fmt.Errorf("no token provided")
			}

			output.Info("Completing login with token...")
			err = zb.CompleteLogin(ctx, token)
			if al, aerr := app.Audit(); aerr == nil && al != nil {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				if lerr := al.LogLogin(ctx, app.Config.Credentials.Zerodha.UserID, err == nil, msg); lerr != nil {
					app.Logger.Warn().Err(lerr).Msg("Failed to write audit event")
				}
			}
			if err != nil {
				output.Error("Login failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"success":    true,
					"user_id":    app.Config.Credentials.Zerodha.UserID,
					"expires_at": utils.SessionExpiry(time.Now()).Format(time.RFC3339),
				})
			}
			output.Success("✓ Login successful!")
			output.Printf("  User ID:    %s\n", app.Config.Credentials.Zerodha.UserID)
			showSessionExpiry(output)
			return nil
		},
	}

	cmd.Flags().String("token", "", "Request token (or the full redirect URL)")
	cmd.Flags().Bool("force", false, "Login again even if a session exists")

	return cmd
}

// extractRequestToken accepts either the bare token or the redirect URL.
func extractRequestToken(input string) string {
	input = strings.TrimSpace(input)
	if i := strings.Index(input, "request_token="); i >= 0 {
		input = input[i+len("request_token="):]
		if j := strings.IndexAny(input, "&# "); j >= 0 {
			input = input[:j]
		}
	}
	return input
}

func showSessionExpiry(output *Output) {
	now := time.Now()
	expiry := utils.SessionExpiry(now)
	output.Printf("  Session expires: %s (%s remaining)\n",
		FormatDateTime(expiry),
		FormatDuration(expiry.Sub(now)))
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout from Zerodha Kite Connect",
		Long: `Invalidate the current session and remove the saved access token.

The webhook receiver keeps running but answers new signals with
"unauthenticated" until the next login.`,
		Example: `  trader logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			zb, err := app.Zerodha()
			if err != nil {
				output.Warning("No active session found.")
				return nil
			}
			if !zb.IsAuthenticated() {
				output.Warning("Not currently logged in.")
				return nil
			}

			output.Info("Logging out...")
			if err := zb.Logout(ctx); err != nil {
				output.Error("Logout failed: %v", err)
				return err
			}
			if al, aerr := app.Audit(); aerr == nil && al != nil {
				if lerr := al.LogLogout(ctx, app.Config.Credentials.Zerodha.UserID); lerr != nil {
					app.Logger.Warn().Err(lerr).Msg("Failed to write audit event")
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"success":   true,
					"message":   "Logout successful",
					"timestamp": time.Now().Format(time.RFC3339),
				})
			}

			output.Success("✓ Logged out successfully!")
			output.Dim("Session tokens have been cleared.")
			return nil
		},
	}
}

func newAuthStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "auth-status",
		Short: "Check authentication status",
		Long:  "Display current authentication status and session expiry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			zb, err := app.Zerodha()
			if err != nil {
				output.Error("Broker not configured: %v", err)
				return nil
			}

			authenticated := zb.IsAuthenticated()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"authenticated": authenticated,
					"user_id":       app.Config.Credentials.Zerodha.UserID,
					"mode":          app.Config.Trading.Mode,
				})
			}

			if !authenticated {
				output.Warning("Not authenticated")
				output.Println()
				output.Info("Run 'trader login' to authenticate")
				return nil
			}

			output.Success("✓ Authenticated")
			output.Println()
			output.Printf("  User ID:    %s\n", app.Config.Credentials.Zerodha.UserID)
			output.Printf("  Mode:       %s\n", app.Config.Trading.Mode)
			showSessionExpiry(output)
			return nil
		},
	}
}
