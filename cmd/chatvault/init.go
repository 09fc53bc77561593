package main

import (
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/chatvault/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example config file",
	Args:  cobra.MaximumNArgs(1),
	// No client needed to write a file.
	PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
	PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "chatvault.json"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.SaveExample(path); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "path": path})
		} else {
			printSuccess("Wrote %s", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
