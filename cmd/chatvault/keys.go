package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/chatvault/internal/crypto"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the synced key bundle",
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active key string",
	Long: `Show prints the primary key as a key string. Anyone holding it can read
every synced chat; treat it like a password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := apiClient.CloudKeys.Bundle()
		if err != nil {
			return keyError(err)
		}

		alts := make([]string, 0, len(bundle.Alternatives))
		for _, k := range bundle.Alternatives {
			alts = append(alts, crypto.EncodeKeyString(k))
		}
		primary := crypto.EncodeKeyString(bundle.Primary)

		if jsonOutput {
			printJSON(map[string]interface{}{"primary": primary, "alternatives": alts})
			return nil
		}
		fmt.Println(primary)
		if len(alts) > 0 {
			faintColor.Printf("%d retired key(s) kept for older data\n", len(alts))
		}
		return nil
	},
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new primary key, retiring the current one",
	Long: `Generate rotates the key bundle. New uploads use the new key; the retired
key stays in the bundle so older records still decrypt. Passkey wraps are
refreshed when this device has a recovery baseline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiClient.CloudKeys.Generate(); err != nil {
			return err
		}
		return afterKeyChange(cmd)
	},
}

var keysImportCmd = &cobra.Command{
	Use:   "import [key]",
	Short: "Install a key string from another device",
	Example: `  chatvault keys import key_abcd...
  chatvault keys import            # prompts without echo`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			var err error
			if key, err = promptSecret("Key: "); err != nil {
				return fmt.Errorf("read key: %w", err)
			}
		}

		if err := apiClient.CloudKeys.SetKey(key); err != nil {
			return fmt.Errorf("import key: %w", err)
		}
		return afterKeyChange(cmd)
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysShowCmd, keysGenerateCmd, keysImportCmd)
}

// afterKeyChange re-wraps for passkey recovery and retries quarantined
// records with the new bundle.
func afterKeyChange(cmd *cobra.Command) error {
	ctx := cmd.Context()

	rewrapped := true
	if err := apiClient.Recovery.Rewrap(ctx); err != nil {
		rewrapped = false
		logger.WithError(err).Debug("Skipped passkey re-wrap")
	}

	res, err := apiClient.Engine().RetryDecryption(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":     true,
			"rewrapped":   rewrapped,
			"restored":    res.Restored,
			"quarantined": res.Quarantined,
		})
		return nil
	}

	printSuccess("Key bundle updated")
	if !rewrapped {
		printWarning("Passkey copy not refreshed; run 'chatvault recover enroll' to add one")
	}
	if res.Restored > 0 {
		printInfo("Restored %d quarantined chat(s)", res.Restored)
	}
	if res.Quarantined > 0 {
		printWarning("%d chat(s) still cannot be decrypted", res.Quarantined)
	}
	return nil
}

func keyError(err error) error {
	if errors.Is(err, crypto.ErrKeyNotInitialized) {
		return fmt.Errorf("no synced key on this device; run 'chatvault recover signin' or 'chatvault keys import'")
	}
	return err
}
