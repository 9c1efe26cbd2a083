// Package cmd implements the CLI commands for a PrivMX PKI client.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application/client"
	"github.com/LarsSch/privmx-sub001/cli"
)

// RootCmd represents the base "pkiclient" command when called without any subcommands.
var RootCmd = cli.NewRootCommand("pkiclient",
	"PrivMX PKI client",
	`pkiclient registers key stores and looks them up in verifiable
directories.`)

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "client.toml", "Path to client configuration file")
	RootCmd.PersistentFlags().StringP("encoding", "e", "toml", "Encoding of the configuration file (toml or yaml)")
}

func loadConfig(cmd *cobra.Command) (*client.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	encoding, _ := cmd.Flags().GetString("encoding")
	conf := new(client.Config)
	if err := conf.Load(path, encoding); err != nil {
		return nil, err
	}
	return conf, nil
}

// withUser runs f with the configured user and a context bounded by the
// configured request timeout.
func withUser(cmd *cobra.Command, f func(ctx context.Context, conf *client.Config, u *client.User) error) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), conf.Timeout())
	defer cancel()
	return f(ctx, conf, conf.NewUser())
}
