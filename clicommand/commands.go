package clicommand

import "github.com/urfave/cli"

var ShellgateCommands = []cli.Command{
	StartCommand,
	VersionCommand,
}
