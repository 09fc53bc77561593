package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/services/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Passkey-based key recovery",
	Long: `The synced key bundle is stored remotely wrapped under a key derived from
a passkey, so a new device can recover it without the remote ever seeing
plaintext keys.`,
}

var recoverSignInCmd = &cobra.Command{
	Use:   "signin",
	Short: "Recover keys with a passkey, or enroll one for a new account",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := apiClient.Recovery.SignIn(cmd.Context())
		if err != nil {
			return recoveryError(err)
		}

		if outcome == recovery.OutcomeRecovered {
			if _, err := apiClient.Engine().RetryDecryption(cmd.Context()); err != nil {
				logger.WithError(err).Warn("Retry decryption failed")
			}
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "outcome": outcome})
			return nil
		}
		switch outcome {
		case recovery.OutcomeRecovered:
			printSuccess("Keys recovered from passkey")
		case recovery.OutcomeEnrolled:
			printSuccess("New key generated and protected by a passkey")
		}
		return nil
	},
}

var recoverEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Protect the current key bundle with an additional passkey",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Recovery.Enroll(cmd.Context()); err != nil {
			return recoveryError(err)
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true})
		} else {
			printSuccess("Passkey enrolled")
		}
		return nil
	},
}

var recoverRewrapCmd = &cobra.Command{
	Use:   "rewrap",
	Short: "Refresh this device's passkey copy of the key bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Recovery.Rewrap(cmd.Context()); err != nil {
			return recoveryError(err)
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true})
		} else {
			printSuccess("Passkey copy refreshed")
		}
		return nil
	},
}

var recoverCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Pick up a key bundle rotated on another device",
	RunE: func(cmd *cobra.Command, args []string) error {
		drift, err := apiClient.Recovery.CheckDrift(cmd.Context())
		if err != nil {
			return recoveryError(err)
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "drift": drift})
			return nil
		}
		switch drift {
		case recovery.DriftNoBaseline:
			printWarning("This device has no passkey baseline; run 'chatvault recover signin'")
		case recovery.DriftUnchanged:
			printInfo("Keys are up to date")
		case recovery.DriftAdvanced:
			printInfo("Keys are up to date (baseline advanced)")
		case recovery.DriftKeysChanged:
			printSuccess("Installed keys rotated on another device")
		}
		return nil
	},
}

var recoverWatchInterval time.Duration

var recoverWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Check for rotated keys periodically",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		interval := recoverWatchInterval
		if interval <= 0 {
			interval = cfg.Recovery.DriftInterval
		}
		printInfo("Checking for key changes every %s (Ctrl+C to stop)", interval)

		err := apiClient.Recovery.Run(ctx, interval)
		if errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.AddCommand(recoverSignInCmd, recoverEnrollCmd, recoverRewrapCmd, recoverCheckCmd, recoverWatchCmd)

	recoverWatchCmd.Flags().DurationVar(&recoverWatchInterval, "interval", 0,
		"Check interval (default from config)")
}

func recoveryError(err error) error {
	switch {
	case errors.Is(err, models.ErrAuthenticatorCancelled):
		return fmt.Errorf("passkey prompt dismissed; retry, or run 'chatvault keys generate' to start with a fresh key")
	case errors.Is(err, models.ErrRecoveryUnavailable):
		return fmt.Errorf("none of your passkeys could unlock the key bundle: %w", err)
	case errors.Is(err, recovery.ErrNoBaseline):
		return fmt.Errorf("this device has no passkey yet; run 'chatvault recover signin' first")
	default:
		return keyError(err)
	}
}
