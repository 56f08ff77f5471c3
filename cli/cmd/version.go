package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dredge/types"
)

// VersionCommand returns the version command. Commit is injected from
// main via ldflags.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the dredge version",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "dredge %s (commit: %s)\n", types.Version, commit)
			return nil
		},
	}
}
