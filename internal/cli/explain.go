package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"temporal-graphql/internal/temporal"
)

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &documentOptions{}
	cmd := &cobra.Command{
		Use:   "explain [file]",
		Short: "Print the root statements a GraphQL document would issue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runExplain(cmd, rootOpts, opts, path)
		},
	}
	opts.register(cmd)
	return cmd
}

func runExplain(cmd *cobra.Command, rootOpts *RootOptions, opts *documentOptions, path string) error {
	query, err := readSource(cmd, path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	doc, err := opts.parse(query)
	if err != nil {
		return reportConfigError(out, rootOpts, err)
	}
	tctx, err := temporal.Parse(doc.ValidOn, doc.AvailableOn)
	if err != nil {
		return fmt.Errorf("invalid temporal context: %w", err)
	}

	engine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	explained, err := engine.Resolver.Explain(doc.Roots, tctx)
	if err != nil {
		return reportConfigError(out, rootOpts, err)
	}
	for _, e := range explained {
		fmt.Fprintf(out, "-- %s\n%s;\n", e.Field, e.Statement.SQL)
		if len(e.Statement.Args) > 0 {
			fmt.Fprintf(out, "-- args: %v\n", e.Statement.Args)
		}
	}
	return nil
}
