package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the bearer token issued by the identity provider",
	Long: `Login stores a bearer token for future sync operations. JWT expiry is
honoured; opaque tokens never expire locally.`,
	Example: `  chatvault login --token eyJhbGciOi...
  chatvault login            # prompts without echo`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the token, the synced key bundle and synced chats",
	Long:  `Logout removes account data from this device. Device-only chats are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Logout(cmd.Context()); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true})
		} else {
			printSuccess("Logged out")
		}
		return nil
	},
}

var loginToken string

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)

	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "",
		"Bearer token (will prompt if not provided)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginToken == "" {
		var err error
		loginToken, err = promptSecret("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}

	info, err := apiClient.Auth.SetToken(loginToken)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"subject":    info.Subject,
			"expires_at": info.ExpiresAt,
		})
		return nil
	}

	if info.Subject != "" {
		printSuccess("Logged in as %s", info.Subject)
	} else {
		printSuccess("Token stored")
	}
	if !info.ExpiresAt.IsZero() {
		printInfo("Token expires %s", formatTime(info.ExpiresAt))
	}
	if !apiClient.CloudKeys.HasKey() {
		printWarning("No synced key on this device yet; run 'chatvault recover signin'")
	}
	return nil
}

// promptSecret reads a line without echo when stdin is a terminal.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}
