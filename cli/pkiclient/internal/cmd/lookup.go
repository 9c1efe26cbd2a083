package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application/client"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/protocol"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <name>",
	Short: "Look up and verify the key store registered under a name.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd, func(ctx context.Context, conf *client.Config, u *client.User) error {
			domain, _ := cmd.Flags().GetString("domain")
			if domain == "" {
				domain = conf.Domain
			}
			ks, res, err := u.LookUp(ctx, domain, args[0])
			if err != nil {
				return err
			}
			printSnapshot(domain, res)
			if ks == nil {
				fmt.Printf("%s is not registered at %s\n", args[0], domain)
				return nil
			}
			printKeyStore(ks)
			return nil
		})
	},
}

func init() {
	RootCmd.AddCommand(lookupCmd)
	lookupCmd.Flags().StringP("domain", "D", "", "Domain to look up (the home domain if empty)")
}

func printSnapshot(domain string, res *protocol.KeyStoreResponse) {
	fmt.Printf("Verified against %s snapshot %d (%s) of %s\n", domain, res.Tree.Seq,
		hex.EncodeToString(res.Tree.Hash), time.Unix(res.Tree.Timestamp, 0).UTC().Format(time.RFC3339))
}

func printKeyStore(ks *keystore.KeyStore) {
	t := newTable(table.Row{"Key", "Algorithm", "Flags", "Primary", "Revoked", "Created"})
	for _, k := range ks.Keys {
		t.AppendRow(table.Row{k.ID, k.Algorithm, k.Flags, k.ID == ks.Primary, k.Revoked,
			time.Unix(k.Created, 0).UTC().Format(time.RFC3339)})
	}
	t.Render()
}
