package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/chatvault/internal/crypto"
	"github.com/TheMichaelB/chatvault/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize chats with the remote store",
	Long: `Sync uploads local edits and applies remote changes.

The sync is incremental by default, fetching only records changed since the
last checkpoint. Use --full to walk the remote listing instead.`,
	Example: `  chatvault sync
  chatvault sync --full
  chatvault sync watch`,
	RunE: runSync,
}

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing in the foreground",
	Long: `Watch follows the remote change feed when the backend has one and also
syncs on a fixed interval. Key rotations on other devices are picked up by
a periodic passkey drift check.`,
	RunE: runSyncWatch,
}

var (
	syncFull     bool
	syncInterval time.Duration
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncWatchCmd)

	syncCmd.Flags().BoolVarP(&syncFull, "full", "f", false,
		"Force full sync instead of incremental")
	syncWatchCmd.Flags().DurationVar(&syncInterval, "interval", 0,
		"Polling interval (default from config)")
}

func runSync(cmd *cobra.Command, args []string) error {
	if !apiClient.Auth.IsAuthenticated() {
		return fmt.Errorf("not authenticated; run 'chatvault login'")
	}
	if !apiClient.CloudKeys.HasKey() {
		return keyError(crypto.ErrKeyNotInitialized)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if jsonOutput {
		return runSyncJSON(ctx)
	}
	return runSyncInteractive(ctx)
}

func runSyncInteractive(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range apiClient.Sync.Events() {
			printEvent(event)
			if event.Type == sync.EventCompleted || event.Type == sync.EventFailed {
				return
			}
		}
	}()

	res, err := apiClient.Sync.Sync(ctx, sync.SyncOptions{Full: syncFull})
	if err != nil {
		return err
	}
	waitEvents(done)

	fmt.Printf("\nSync summary (%s):\n", res.Mode)
	fmt.Printf("   Uploaded:    %d\n", res.Uploaded)
	fmt.Printf("   Downloaded:  %d\n", res.Downloaded)
	fmt.Printf("   Deleted:     %d\n", res.Deleted)
	if res.Moved > 0 {
		fmt.Printf("   Moved:       %d\n", res.Moved)
	}
	if res.Quarantined > 0 {
		warningColor.Printf("   Quarantined: %d\n", res.Quarantined)
	}
	fmt.Printf("   Duration:    %s\n", res.Duration.Round(time.Millisecond))

	if len(res.Errors) > 0 {
		warningColor.Printf("   Errors:      %d\n", len(res.Errors))
		for _, e := range res.Errors {
			faintColor.Printf("     %v\n", e)
		}
		return nil
	}

	printSuccess("\nSync completed")
	return nil
}

func runSyncJSON(ctx context.Context) error {
	res, err := apiClient.Sync.Sync(ctx, sync.SyncOptions{Full: syncFull})

	result := map[string]interface{}{
		"success": err == nil,
		"result":  res,
	}
	if err != nil {
		result["error"] = err.Error()
	}
	if res != nil && len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Error())
		}
		result["errors"] = msgs
	}

	printJSON(result)
	return err
}

func runSyncWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	interval := syncInterval
	if interval <= 0 {
		interval = cfg.Sync.Interval
	}

	go func() {
		for event := range apiClient.Sync.Events() {
			if jsonOutput {
				printJSON(eventJSON(event))
			} else {
				printEvent(event)
			}
		}
	}()

	if !jsonOutput {
		printInfo("Syncing every %s (Ctrl+C to stop)", interval)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiClient.Sync.Run(ctx, interval)
	})
	g.Go(func() error {
		err := apiClient.Sync.Watch(ctx)
		if errors.Is(err, sync.ErrNoChangeFeed) {
			logger.Info("Remote has no change feed, polling only")
			return nil
		}
		return err
	})
	g.Go(func() error {
		return apiClient.Recovery.Run(ctx, cfg.Recovery.DriftInterval)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printEvent(event sync.Event) {
	switch event.Type {
	case sync.EventStarted:
		faintColor.Println("Syncing...")
	case sync.EventUploaded:
		logger.WithField("record_id", event.RecordID).Debug("Uploaded")
	case sync.EventDownloaded:
		logger.WithField("record_id", event.RecordID).Debug("Downloaded")
	case sync.EventQuarantined:
		printWarning("Chat %s could not be decrypted and was quarantined", event.RecordID)
	case sync.EventRestored:
		printSuccess("Chat %s restored", event.RecordID)
	case sync.EventDeleted:
		faintColor.Printf("Deleted %s\n", event.RecordID)
	case sync.EventMoved:
		faintColor.Printf("Moved %s\n", event.RecordID)
	case sync.EventFailed:
		if event.Error != nil {
			printError("Sync failed: %v", event.Error)
		}
	}
}

func eventJSON(event sync.Event) map[string]interface{} {
	data := map[string]interface{}{
		"type":      event.Type,
		"timestamp": event.Timestamp,
	}
	if event.RecordID != "" {
		data["record_id"] = event.RecordID
	}
	if event.Error != nil {
		data["error"] = event.Error.Error()
	}
	if event.Result != nil {
		data["result"] = event.Result
	}
	return data
}

// waitEvents gives the printer a moment to drain the final events.
func waitEvents(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
