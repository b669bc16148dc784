package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/jcdickinson/rsimpl/internal/daemon"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <trait>",
	Short: "Render a trait's implementor page as markdown",
	Long:  `Render the implementors of a trait as markdown. Reading a page does not consume it.`,
	Args:  cobra.ExactArgs(1),
	Run:   runShow,
}

func runShow(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.GetImplementors(context.Background(), args[0])
	if err != nil {
		log.Fatalf("show failed: %v", err)
	}
	fmt.Print(resp.Markdown)
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <type>",
	Short: "List trait pages whose implementors involve a type",
	Example: `  rsimpl invalidate nalgebra::base::matrix::Matrix
  rsimpl invalidate std::thread::local::LocalKey`,
	Args: cobra.ExactArgs(1),
	Run:  runInvalidate,
}

func runInvalidate(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Invalidate(context.Background(), args[0])
	if err != nil {
		log.Fatalf("invalidate failed: %v", err)
	}
	if len(resp.Traits) == 0 {
		fmt.Printf("no trait pages involve %s\n", resp.Type)
		return
	}
	for _, trait := range resp.Traits {
		fmt.Println(trait)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show trait pages and their handoff state",
	Run:   runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Status(context.Background())
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}

	if statusJSON {
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(resp.Pages) == 0 {
		fmt.Println("no trait pages")
		return
	}

	for _, p := range resp.Pages {
		line := fmt.Sprintf("  %s [%s]", p.Trait, p.State)
		if p.Records > 0 {
			line += fmt.Sprintf(" %d implementors", p.Records)
		}
		if p.Stored {
			line += " (stored)"
		}
		fmt.Println(line)
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	Run:   runStop,
}

func runStop(cmd *cobra.Command, args []string) {
	client := daemon.NewClient(config.SocketPath())
	if !client.IsAvailable() {
		fmt.Println("daemon is not running")
		return
	}

	// The daemon exits right after responding, so a reset connection still means stopped.
	client.Shutdown(context.Background())
	fmt.Println("daemon stopped")
}
