package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login, key and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := apiClient.Auth.GetToken()
		states, err := apiClient.State.ListStates()
		if err != nil {
			return err
		}

		quarantined := 0
		if apiClient.CloudKeys.HasKey() {
			ids, err := apiClient.Cloud.Quarantined()
			if err != nil {
				return err
			}
			quarantined = len(ids)
		}

		if jsonOutput {
			out := map[string]interface{}{
				"authenticated":        apiClient.Auth.IsAuthenticated(),
				"cloud_key":            apiClient.CloudKeys.HasKey(),
				"quarantined":          quarantined,
				"pending_reencryption": len(apiClient.Engine().PendingReencryption()),
				"states":               states,
			}
			if token != nil {
				out["subject"] = token.Subject
				out["expires_at"] = token.ExpiresAt
			}
			printJSON(out)
			return nil
		}

		switch {
		case token == nil:
			printWarning("Not logged in or token expired")
		case token.Subject != "":
			printSuccess("Logged in as %s", token.Subject)
		default:
			printSuccess("Logged in")
		}

		if apiClient.CloudKeys.HasKey() {
			printSuccess("Synced key present")
		} else {
			printWarning("No synced key; run 'chatvault recover signin'")
		}
		if quarantined > 0 {
			printWarning("%d chat(s) quarantined", quarantined)
		}

		for _, st := range states {
			fmt.Printf("\n%s\n", st.Scope)
			fmt.Printf("   Records:           %d\n", st.RecordCount)
			fmt.Printf("   Last full sync:    %s\n", formatTime(st.LastFullSync))
			fmt.Printf("   Remote checkpoint: %s\n", formatTime(st.LastUpdated))
			if n := len(st.PendingDeletions); n > 0 {
				fmt.Printf("   Pending deletions: %d\n", n)
			}
			if st.LastError != "" {
				errorColor.Printf("   Last error:        %s\n", st.LastError)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
