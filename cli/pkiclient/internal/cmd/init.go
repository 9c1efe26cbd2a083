package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/application/client"
	"github.com/LarsSch/privmx-sub001/cli"
	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
)

var initCmd = cli.NewInitCommand("the PrivMX PKI client", initRunFunc)

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("dir", "d", ".", "Location of directory for storing generated files")
	initCmd.Flags().StringP("name", "n", "", "Name of the user's key store")
	initCmd.Flags().StringP("domain", "D", "localhost", "Home domain of the user")
	initCmd.Flags().String("address", "unix:///tmp/pkiserver.sock", "Base URL of the home directory")
	initCmd.Flags().String("algorithm", string(sign.Secp256k1), "Algorithm of the primary key (secp256k1 or ed25519)")
	_ = initCmd.MarkFlagRequired("name")
}

func initRunFunc(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	name, _ := cmd.Flags().GetString("name")
	domain, _ := cmd.Flags().GetString("domain")
	address, _ := cmd.Flags().GetString("address")
	algorithm, _ := cmd.Flags().GetString("algorithm")
	encoding, _ := cmd.Flags().GetString("encoding")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	key, err := sign.GenerateKey(sign.Algorithm(algorithm))
	if err != nil {
		return err
	}
	ksFile := name + ".keystore"
	if err := application.SaveKeyStore(filepath.Join(dir, ksFile), keystore.New(name, key)); err != nil {
		return err
	}
	conf := client.NewConfig(filepath.Join(dir, "client."+encoding), encoding, domain, ksFile,
		map[string]string{domain: address})
	if err := conf.Save(); err != nil {
		return err
	}
	fmt.Println("Created the key store of", name, "in", dir)
	return nil
}
