package cmd

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/pki"
	"github.com/LarsSch/privmx-sub001/protocol"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the snapshots of the directory, newest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := new(protocol.HistoryRequest)
		if cmd.Flags().Changed("after") {
			seq, _ := cmd.Flags().GetInt64("after")
			req.Seq = &seq
		}
		return withPKI(cmd, func(p *pki.PKI) error {
			res, err := p.GetHistory(context.Background(), req)
			if err != nil {
				return err
			}
			t := newTable(table.Row{"Seq", "Timestamp", "Hash", "Root"})
			for _, tm := range res.Trees {
				t.AppendRow(table.Row{tm.Seq, time.Unix(tm.Timestamp, 0).UTC().Format(time.RFC3339),
					hex.EncodeToString(tm.Hash), hex.EncodeToString(tm.RootHash)})
			}
			t.Render()
			return nil
		})
	},
}

func init() {
	RootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int64("after", 0, "Only list the snapshots after this sequence number")
}
