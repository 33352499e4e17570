package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "tts-pipeline",
		Short: "Asynchronous text-to-speech synthesis pipeline",
		Long: `tts-pipeline splits task text into sentences, submits them to the synthesis
engine at a controlled rate, re-hosts the finished audio and merges sentence
audio into one file per task.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: project.toml discovered from the working directory)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file with engine credentials (default: .env when present)")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newTaskCommand(opts),
		newSynthesizeCommand(opts),
		newConfigureCommand(opts),
		newMergeCommand(opts),
		newStatusCommand(opts),
		newRulesCommand(opts),
		newJobCommand(opts),
	)

	return rootCmd
}

// withPipeline loads configuration, wires every component and runs fn.
func withPipeline(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, p *pipeline) error) (err error) {
	cfg, log, err := bootstrap(opts.configPath, opts.envFile)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil && err == nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := wire(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start pipeline: %v", err)

		return err
	}

	defer p.Close()

	err = fn(ctx, p)
	if err != nil {
		log.Error("%s failed: %v", cmd.CommandPath(), err)
	}

	return err
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	return nil
}
