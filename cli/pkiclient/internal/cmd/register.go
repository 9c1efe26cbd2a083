package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application/client"
	"github.com/LarsSch/privmx-sub001/protocol"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register or update the user's key store at the home directory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		return withUser(cmd, func(ctx context.Context, conf *client.Config, u *client.User) error {
			ks, err := conf.KeyStore()
			if err != nil {
				return err
			}
			res, err := u.Register(ctx, conf.Domain, ks, mode)
			if err != nil {
				return err
			}
			printSnapshot(conf.Domain, res)
			fmt.Println("Registered", ks.Name)
			return nil
		})
	},
}

func init() {
	RootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringP("mode", "m", protocol.ModeAuto, "insert, update or auto")
}
