package cmd

import (
	"github.com/LarsSch/privmx-sub001/cli"
)

var versionCmd = cli.NewVersionCommand("pkiclient")

func init() {
	RootCmd.AddCommand(versionCmd)
}
