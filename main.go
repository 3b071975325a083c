package main

import (
	"fmt"
	"os"

	"github.com/shellgate/shellgate/clicommand"
	"github.com/shellgate/shellgate/version"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "shellgate"
	app.Version = version.Version()
	app.Usage = "Policy-gated command execution with human-in-the-loop approval"
	app.Commands = clicommand.ShellgateCommands

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
