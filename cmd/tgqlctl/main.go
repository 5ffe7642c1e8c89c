// Command tgqlctl resolves queries against a configured backend from the
// command line and seeds the brewery fixture.
package main

import (
	"fmt"
	"os"

	"temporal-graphql/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
