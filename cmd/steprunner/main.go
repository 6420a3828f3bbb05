// Command steprunner is a small demo harness for the runtime: it
// loads a YAML run configuration, executes a demo integration through
// the scheduler, and optionally uploads the result through the
// synchronization uploader.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/steprunner/pkg/persist"
	"github.com/cuemby/steprunner/pkg/rlog"
	"github.com/cuemby/steprunner/pkg/schemavalidator"
	"github.com/cuemby/steprunner/pkg/scheduler"
	"github.com/cuemby/steprunner/pkg/types"
	"github.com/cuemby/steprunner/pkg/uploader"
)

// newReadLayout returns a Layout for reading back a run's already-
// flushed files; compression doesn't matter for reads since
// readFlushedFile auto-detects it.
func newReadLayout(root string) *persist.Layout {
	return persist.NewLayout(root, false)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var logger *rlog.Logger

var rootCmd = &cobra.Command{
	Use:   "steprunner",
	Short: "Run a step-based integration against a dependency graph",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logger = rlog.New(rlog.Config{
		Level:      rlog.Level(level),
		JSONOutput: jsonOutput,
	})
}

var runCmd = &cobra.Command{
	Use:   "run <config.yaml>",
	Short: "Run the demo integration against the given run configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadRunConfig(args[0])
		if err != nil {
			return err
		}

		sch := scheduler.New(scheduler.Config{
			Invocation: demoInvocation(cfg),
			Instance: types.InstanceInfo{
				ID:   cfg.IntegrationInstanceID,
				Name: "steprunner-demo",
			},
			Logger:         logger,
			StagingRoot:    cfg.StagingRoot,
			FlushThreshold: cfg.FlushThreshold,
			Concurrency:    cfg.Concurrency,
			Validator:      schemavalidator.NewRegistry(),
		})

		summary, err := sch.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("run aborted: %w", err)
		}

		if cfg.APIBaseURL != "" {
			upl := uploader.New(uploader.Config{
				BaseURL:               cfg.APIBaseURL,
				Logger:                logger,
				Layout:                newReadLayout(cfg.StagingRoot),
				Source:                cfg.UploadSource,
				IntegrationInstanceID: cfg.IntegrationInstanceID,
			})
			if err := upl.Run(cmd.Context(), summary.Metadata.PartialDatasets); err != nil {
				return fmt.Errorf("synchronization upload failed: %w", err)
			}
		}

		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}
