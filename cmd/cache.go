package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/jcdickinson/rsimpl/internal/daemon"
	"github.com/spf13/cobra"
)

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop the daemon's in-memory rustdoc cache",
	Long:  `Drop parsed rustdoc crates held in memory so "latest" versions are re-resolved on the next build. The on-disk cache is kept.`,
	Run:   runClearCache,
}

func runClearCache(cmd *cobra.Command, args []string) {
	client := daemon.NewClient(config.SocketPath())
	if !client.IsAvailable() {
		fmt.Println("daemon is not running")
		return
	}

	resp, err := client.ClearCache(context.Background())
	if err != nil {
		slog.Error("failed to clear cache", "error", err)
		os.Exit(1)
	}
	fmt.Printf("dropped %d cached crates\n", resp.Dropped)
}
