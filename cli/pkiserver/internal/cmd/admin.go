package cmd

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application/server"
	"github.com/LarsSch/privmx-sub001/pki"
)

// withPKI opens the directory of the configured domain for an
// administrative command. The storage is locked by a running server, so
// these commands run while it is stopped.
func withPKI(cmd *cobra.Command, f func(p *pki.PKI) error) (err error) {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	serv, err := server.NewPKIServer(conf)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := serv.Shutdown(); err == nil {
			err = cerr
		}
	}()
	return f(serv.PKI())
}

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}
