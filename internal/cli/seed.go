package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"temporal-graphql/internal/fixture"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <sqlite-file>",
		Short: "Create the brewery fixture database",
		Long: `Create, or migrate to the latest version, a SQLite database holding
the brewery dataset. Serve it with --database.driver sqlite3 and
--database.path pointing at the same file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := fixture.Open(args[0])
			if err != nil {
				return err
			}
			if err := db.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded brewery fixture at %s\n", args[0])
			return nil
		},
	}
}
