package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jcdickinson/rsimpl/internal/daemon"
	"github.com/jcdickinson/rsimpl/internal/implementors"
	"github.com/jcdickinson/rsimpl/internal/rpc"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <trait> <file>",
	Short: "Publish an implementor index to a trait's page",
	Long: `Publish an implementor index read from a file. Files ending in .json hold
the index as a JSON object; anything else is read as a rustdoc implementors
script ("(function() {var implementors = {...}; ...})()").
A page accepts exactly one publication.`,
	Example: `  rsimpl publish core::iter::traits::exact_size::ExactSizeIterator trait.ExactSizeIterator.js
  rsimpl publish demo::Marker index.json`,
	Args: cobra.ExactArgs(2),
	Run:  runPublish,
}

var consumeCmd = &cobra.Command{
	Use:   "consume <trait>",
	Short: "Print a trait's published implementor index",
	Args:  cobra.ExactArgs(1),
	Run:   runConsume,
}

var waitCmd = &cobra.Command{
	Use:   "wait <trait>",
	Short: "Block until a trait's implementor index is published, then print it",
	Args:  cobra.ExactArgs(1),
	Run:   runWait,
}

var (
	consumeJSON bool
	waitTimeout time.Duration
)

func init() {
	consumeCmd.Flags().BoolVar(&consumeJSON, "json", false, "output as JSON instead of an implementors script")
	waitCmd.Flags().BoolVar(&consumeJSON, "json", false, "output as JSON instead of an implementors script")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Second, "how long to wait for a publication")
}

func readIndexFile(path string) (implementors.Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) == ".json" {
		var idx implementors.Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return idx, nil
	}
	idx, err := implementors.ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return idx, nil
}

func runPublish(cmd *cobra.Command, args []string) {
	trait, path := args[0], args[1]

	idx, err := readIndexFile(path)
	if err != nil {
		log.Fatalf("failed to read index: %v", err)
	}

	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Publish(context.Background(), trait, idx)
	if errors.Is(err, implementors.ErrAlreadyPublished) {
		log.Fatalf("%s already has a published index", trait)
	}
	if err != nil {
		log.Fatalf("publish failed: %v", err)
	}

	state := "pending"
	if resp.Delivered {
		state = "delivered"
	}
	fmt.Printf("published %d implementors of %s (%s) [%s]\n", resp.Records, resp.Trait, resp.PublicationID, state)
}

func runConsume(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Consume(context.Background(), args[0])
	if err != nil {
		log.Fatalf("consume failed: %v", err)
	}
	if !resp.Found {
		fmt.Fprintf(os.Stderr, "no implementor index published for %s\n", args[0])
		os.Exit(1)
	}
	printIndex(resp)
}

func runWait(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	resp, err := client.Wait(context.Background(), args[0], waitTimeout)
	if errors.Is(err, daemon.ErrWaitTimeout) {
		fmt.Fprintf(os.Stderr, "nothing published for %s within %s\n", args[0], waitTimeout)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("wait failed: %v", err)
	}
	printIndex(resp)
}

func printIndex(resp *rpc.ConsumeResponse) {
	if consumeJSON {
		out, _ := json.MarshalIndent(resp.Index, "", "  ")
		fmt.Println(string(out))
		return
	}
	os.Stdout.Write(implementors.RenderScript(resp.Index))
}
