package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/fieldtree"
	"temporal-graphql/internal/result"
)

// documentOptions are the flags that shape the document a command resolves.
type documentOptions struct {
	operation   string
	variables   string
	validOn     string
	availableOn string
}

func (o *documentOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.operation, "operation", "", "operation to run when the document holds several")
	cmd.Flags().StringVar(&o.variables, "variables", "", "variables as a JSON object")
	cmd.Flags().StringVar(&o.validOn, "valid-on", "", "validity instant (ISO-8601)")
	cmd.Flags().StringVar(&o.availableOn, "available-on", "", "availability instant (ISO-8601)")
}

// parse builds a document from GraphQL text. Instants from flags fill in
// what the document leaves unset and must agree with what it sets.
func (o *documentOptions) parse(query string) (*fieldtree.Document, error) {
	var variables map[string]any
	if o.variables != "" {
		if err := json.Unmarshal([]byte(o.variables), &variables); err != nil {
			return nil, fmt.Errorf("invalid --variables: %w", err)
		}
	}
	doc, err := fieldtree.ParseGraphQL(query, o.operation, variables)
	if err != nil {
		return nil, err
	}
	if doc.ValidOn, err = pick("validOn", doc.ValidOn, o.validOn); err != nil {
		return nil, err
	}
	if doc.AvailableOn, err = pick("availableOn", doc.AvailableOn, o.availableOn); err != nil {
		return nil, err
	}
	return doc, nil
}

func pick(name, fromDoc, fromFlag string) (string, error) {
	switch {
	case fromFlag == "" || fromFlag == fromDoc:
		return fromDoc, nil
	case fromDoc == "":
		return fromFlag, nil
	default:
		return "", engineerr.Configf(name, "flag value %q conflicts with %q in the query", fromFlag, fromDoc)
	}
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &documentOptions{}
	cmd := &cobra.Command{
		Use:   "query [file]",
		Short: "Resolve a GraphQL document and print the response",
		Long: `Resolve a GraphQL document read from file, or from stdin when file is
omitted or "-", and print the {"data", "errors"} response as JSON.

Partial failures are printed with the data; configuration errors are
printed as an error response and the command exits non-zero.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runQuery(cmd, rootOpts, opts, path)
		},
	}
	opts.register(cmd)
	return cmd
}

func runQuery(cmd *cobra.Command, rootOpts *RootOptions, opts *documentOptions, path string) error {
	query, err := readSource(cmd, path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	doc, err := opts.parse(query)
	if err != nil {
		return reportConfigError(out, rootOpts, err)
	}

	engine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	resp, err := engine.Resolver.Resolve(cmd.Context(), doc)
	if err != nil {
		return reportConfigError(out, rootOpts, err)
	}
	return writeJSON(out, rootOpts, resp)
}

func reportConfigError(out io.Writer, rootOpts *RootOptions, err error) error {
	if !engineerr.IsConfig(err) {
		return err
	}
	if werr := writeJSON(out, rootOpts, &result.Response{Errors: []error{err}}); werr != nil {
		return werr
	}
	return err
}

func writeJSON(out io.Writer, rootOpts *RootOptions, v any) error {
	enc := json.NewEncoder(out)
	if rootOpts.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
