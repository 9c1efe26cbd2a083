// Package cmd implements the CLI commands for a PrivMX PKI directory
// server.
package cmd

import (
	"github.com/LarsSch/privmx-sub001/cli"
)

// RootCmd represents the base "pkiserver" command when called without any subcommands.
var RootCmd = cli.NewRootCommand("pkiserver",
	"PrivMX PKI directory server",
	`pkiserver serves a domain's verifiable key directory and cosigns the
snapshots of federated domains.`)

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "config.toml", "Path to server configuration file")
	RootCmd.PersistentFlags().StringP("encoding", "e", "toml", "Encoding of the configuration file (toml or yaml)")
}
