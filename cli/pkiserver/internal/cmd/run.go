package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application/server"
	"github.com/LarsSch/privmx-sub001/cli"
)

// runCmd represents the run command
var runCmd = cli.NewRunCommand("PrivMX PKI server", run)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("pid", "p", false, "Write down the process id to pkiserver.pid in the current working directory")
}

func run(cmd *cobra.Command, args []string) error {
	if pid, _ := cmd.Flags().GetBool("pid"); pid {
		writePID()
	}

	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	serv, err := server.NewPKIServer(conf)
	if err != nil {
		return err
	}

	// run the server until receiving an interrupt signal
	if err := serv.Run(); err != nil {
		serv.Shutdown()
		return err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	return serv.Shutdown()
}

func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	encoding, _ := cmd.Flags().GetString("encoding")
	conf := new(server.Config)
	if err := conf.Load(path, encoding); err != nil {
		return nil, err
	}
	return conf, nil
}

func writePID() {
	pidf, err := os.OpenFile(filepath.Join(".", "pkiserver.pid"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Printf("Cannot create pkiserver.pid: %v", err)
		return
	}
	defer pidf.Close()
	if _, err := fmt.Fprint(pidf, os.Getpid()); err != nil {
		log.Printf("Cannot write to pid file: %v", err)
	}
}
