package cmd

import (
	"github.com/LarsSch/privmx-sub001/cli"
)

var versionCmd = cli.NewVersionCommand("pkiserver")

func init() {
	RootCmd.AddCommand(versionCmd)
}
