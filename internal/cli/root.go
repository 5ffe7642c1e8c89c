// Package cli implements tgqlctl, the command-line client that resolves
// documents without going through the HTTP server.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"temporal-graphql/internal/config"
	"temporal-graphql/internal/logging"
	"temporal-graphql/internal/serverapp"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	Pretty bool
}

// NewRootCommand creates the tgqlctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tgqlctl",
		Short:         "Resolve bitemporal graph queries from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	config.DefineFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", false, "indent JSON output")

	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewExplainCommand(opts))
	cmd.AddCommand(NewSeedCommand())
	return cmd
}

// openEngine loads and validates configuration from the command's flags
// and opens an engine. Logs go to stderr so stdout stays valid JSON.
func openEngine(cmd *cobra.Command) (*serverapp.Engine, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if result := cfg.Validate(); result.HasErrors() {
		return nil, fmt.Errorf("configuration validation failed: %s", result.Error())
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return serverapp.OpenEngine(ctx, cfg, logger)
}

// readSource reads a document from path, or from stdin when path is "-"
// or empty.
func readSource(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read query: %w", err)
	}
	return string(data), nil
}
