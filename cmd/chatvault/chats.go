package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/chatvault/internal/models"
	"github.com/TheMichaelB/chatvault/internal/storage"
)

var chatsCmd = &cobra.Command{
	Use:     "chats",
	Aliases: []string{"chat"},
	Short:   "Read and edit chats",
	Long: `Chats are stored encrypted on disk. Synced chats (the default) upload
after every edit when logged in; --local chats never leave this device.`,
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := chatStore()
		if err != nil {
			return err
		}
		entries, err := store.List()
		if err != nil {
			return keyError(err)
		}

		if chatsProject != "" {
			filtered := entries[:0]
			for _, e := range entries {
				if e.ProjectID == chatsProject {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}

		if jsonOutput {
			printJSON(entries)
			return nil
		}
		if len(entries) == 0 {
			fmt.Println("No chats")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED\tSTATUS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, truncate(e.Title, 40), formatTime(e.UpdatedAt), entryStatus(e))
		}
		return w.Flush()
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a chat transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := chatStore()
		if err != nil {
			return err
		}
		record, err := store.Load(args[0])
		if err != nil {
			return keyError(err)
		}

		if jsonOutput {
			printJSON(record)
			return nil
		}
		if record.DecryptionFailed {
			printWarning("This chat could not be decrypted with the keys on this device.")
			printWarning("Import or recover the key it was written with, then run 'chatvault chats retry'.")
			return nil
		}

		infoColor.Println(record.Title)
		faintColor.Printf("%s  updated %s\n\n", record.ID, formatTime(record.UpdatedAt))
		for _, m := range record.Messages {
			role := m.Role
			if role == models.RoleUser {
				successColor.Printf("%s:\n", role)
			} else {
				warningColor.Printf("%s:\n", role)
			}
			fmt.Printf("%s\n\n", m.Content)
		}
		return nil
	},
}

var chatsNewCmd = &cobra.Command{
	Use:   "new <title>",
	Short: "Start a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			record *models.ChatRecord
			err    error
		)
		if chatsLocal {
			record = models.NewChatRecord(uuid.NewString(), args[0], time.Now())
			record.ProjectID = chatsProject
			err = apiClient.Local.Save(record)
		} else {
			record, err = apiClient.Engine().CreateRecord(cmd.Context(), args[0], chatsProject)
		}
		if err != nil {
			return keyError(err)
		}
		return flushAndReport(cmd, record, "Created chat %s")
	},
}

var chatsAppendCmd = &cobra.Command{
	Use:   "append <id> [content]",
	Short: "Add a message; content is read from stdin when omitted",
	Example: `  chatvault chats append 3f2a... "How do I rotate keys?"
  echo "It depends." | chatvault chats append 3f2a... --role assistant`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := messageContent(args)
		if err != nil {
			return err
		}

		var record *models.ChatRecord
		if chatsLocal {
			record, err = apiClient.Local.Update(args[0], func(r *models.ChatRecord) error {
				r.AppendMessage(models.Message{ID: uuid.NewString(), Role: chatsRole, Content: content})
				return nil
			})
		} else {
			record, err = apiClient.Engine().AppendMessage(args[0], chatsRole, content)
		}
		if err != nil {
			return keyError(err)
		}
		return flushAndReport(cmd, record, "Added message to %s")
	},
}

var chatsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Change a chat's title",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := models.RecordPatch{Title: models.String(args[1])}

		var (
			record *models.ChatRecord
			err    error
		)
		if chatsLocal {
			record, err = apiClient.Local.Update(args[0], func(r *models.ChatRecord) error {
				if patch.Apply(r) {
					r.Touch(time.Now())
				}
				return nil
			})
		} else {
			record, err = apiClient.Engine().Edit(args[0], patch)
		}
		if err != nil {
			return keyError(err)
		}
		return flushAndReport(cmd, record, "Renamed %s")
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a chat here and, for synced chats, everywhere",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if chatsLocal {
			err = apiClient.Local.Delete(args[0])
		} else {
			err = apiClient.Engine().DeleteRecord(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "id": args[0]})
		} else {
			printSuccess("Deleted %s", args[0])
		}
		return nil
	},
}

var chatsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry quarantined chats and unconfirmed remote deletions",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := apiClient.Engine()
		res, err := engine.RetryDecryption(cmd.Context())
		if err != nil {
			return keyError(err)
		}
		confirmed, err := engine.RetryPendingDeletions(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{
				"restored":            res.Restored,
				"quarantined":         res.Quarantined,
				"deletions_confirmed": confirmed,
			})
			return nil
		}
		printInfo("Restored %d, still quarantined %d, deletions confirmed %d",
			res.Restored, res.Quarantined, confirmed)
		return nil
	},
}

var (
	chatsLocal   bool
	chatsProject string
	chatsRole    string
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd, chatsShowCmd, chatsNewCmd, chatsAppendCmd,
		chatsRenameCmd, chatsDeleteCmd, chatsRetryCmd)

	chatsCmd.PersistentFlags().BoolVarP(&chatsLocal, "local", "l", false,
		"Use device-only chats")
	chatsListCmd.Flags().StringVarP(&chatsProject, "project", "p", "",
		"Only chats in this project")
	chatsNewCmd.Flags().StringVarP(&chatsProject, "project", "p", "",
		"Project the chat belongs to")
	chatsAppendCmd.Flags().StringVarP(&chatsRole, "role", "r", models.RoleUser,
		"Message role: user, assistant or system")
}

func chatStore() (*storage.RecordStore, error) {
	if chatsLocal {
		return apiClient.Store(storage.ScopeLocal)
	}
	return apiClient.Store(storage.ScopeCloud)
}

func messageContent(args []string) (string, error) {
	switch chatsRole {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return "", fmt.Errorf("unknown role: %s", chatsRole)
	}

	if len(args) == 2 {
		return args[1], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	content := strings.TrimRight(string(data), "\n")
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty message")
	}
	return content, nil
}

// flushAndReport waits for a synced chat's upload so the process can exit.
func flushAndReport(cmd *cobra.Command, record *models.ChatRecord, format string) error {
	if !chatsLocal {
		if err := apiClient.Engine().Backup(cmd.Context(), record.ID, true); err != nil {
			printWarning("Saved locally; upload failed: %v", err)
		}
	}

	if jsonOutput {
		printJSON(record)
		return nil
	}
	printSuccess(format, record.ID)
	return nil
}

func entryStatus(e models.IndexEntry) string {
	switch {
	case e.DecryptionFailed:
		return "quarantined"
	case e.LocallyModified:
		return "modified"
	case e.SyncedAt != nil:
		return "synced"
	default:
		return "local"
	}
}
