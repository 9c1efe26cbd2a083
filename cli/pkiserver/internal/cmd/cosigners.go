package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/pki"
)

var cosignersCmd = &cobra.Command{
	Use:   "cosigners",
	Short: "Manage the domains cosigning this directory's snapshots.",
}

var cosignersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered cosigners.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPKI(cmd, func(p *pki.PKI) error {
			cosigners, err := p.Cosigners()
			if err != nil {
				return err
			}
			if len(cosigners) == 0 {
				fmt.Println("No cosigners registered")
				return nil
			}
			t := newTable(table.Row{"Domain", "UUID", "State", "IP", "Requests", "Responses", "Modified"})
			for _, c := range cosigners {
				t.AppendRow(table.Row{c.Domain, c.UUID, c.State, c.IP, c.RequestCount, c.ResponseCount,
					time.Unix(c.ModificationTimestamp, 0).UTC().Format(time.RFC3339)})
			}
			t.Render()
			return nil
		})
	},
}

var cosignersAddCmd = &cobra.Command{
	Use:   "add <domain> <uuid> <keystore file>",
	Short: "Register or reactivate a cosigner with its server keystore.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := application.LoadPinnedKeyStore(args[2], "")
		if err != nil {
			return err
		}
		ip, _ := cmd.Flags().GetString("ip")
		return withPKI(cmd, func(p *pki.PKI) error {
			if err := p.AddCosigner(args[0], args[1], ks, ip); err != nil {
				return err
			}
			fmt.Println("Registered cosigner", args[0])
			return nil
		})
	},
}

var cosignersRemoveCmd = &cobra.Command{
	Use:   "remove <domain> <uuid>",
	Short: "Mark a cosigner as deleted.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPKI(cmd, func(p *pki.PKI) error {
			if err := p.RemoveCosigner(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Removed cosigner", args[0])
			return nil
		})
	},
}

func init() {
	RootCmd.AddCommand(cosignersCmd)
	cosignersCmd.AddCommand(cosignersListCmd, cosignersAddCmd, cosignersRemoveCmd)
	cosignersAddCmd.Flags().String("ip", "", "Address the cosigner's requests come from")
}
