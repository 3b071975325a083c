package clicommand

import (
	"fmt"

	"github.com/shellgate/shellgate/version"
	"github.com/urfave/cli"
)

var VersionCommand = cli.Command{
	Name:  "version",
	Usage: "Prints the version",
	Action: func(c *cli.Context) error {
		fmt.Fprintln(c.App.Writer, version.FullVersion())
		return nil
	},
}
