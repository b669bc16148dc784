package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jcdickinson/rsimpl/internal/rpc"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build <trait> crate[@version] ...",
	Short: "Collect a trait's implementors from docs.rs rustdoc JSON",
	Long:  `Fetch the rustdoc JSON of each crate and collect the impls of the trait. Version defaults to "latest".`,
	Example: `  rsimpl build core::iter::traits::exact_size::ExactSizeIterator std
  rsimpl build --publish serde::ser::Serialize serde@1.0 serde_json
  rsimpl build bevy_ecs::component::Component bevy_ecs bevy_transform`,
	Args: cobra.MinimumNArgs(2),
	Run:  runBuild,
}

var buildPublish bool

func init() {
	buildCmd.Flags().BoolVar(&buildPublish, "publish", false, "publish the result to the trait's page")
}

func parseCrateSpecs(args []string) []rpc.CrateSpec {
	specs := make([]rpc.CrateSpec, 0, len(args))
	for _, arg := range args {
		name, version, _ := strings.Cut(arg, "@")
		specs = append(specs, rpc.CrateSpec{Name: name, Version: version})
	}
	return specs
}

func runBuild(cmd *cobra.Command, args []string) {
	client, err := connectDaemon()
	if err != nil {
		log.Fatalf("failed to connect to daemon: %v", err)
	}

	req := rpc.BuildRequest{
		Trait:   args[0],
		Crates:  parseCrateSpecs(args[1:]),
		Publish: buildPublish,
	}
	result, err := client.Build(context.Background(), req, func(msg string) {
		fmt.Printf("  %s\n", msg)
	})
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}

	if len(result.Libraries) == 0 {
		fmt.Printf("no implementors of %s found\n", result.Trait)
	}
	for _, lib := range result.Libraries {
		fmt.Printf("  %s: %d implementors\n", lib.Name, lib.Records)
	}
	if result.PublicationID != "" {
		fmt.Printf("published %s (%s)\n", result.Trait, result.PublicationID)
	}
}
