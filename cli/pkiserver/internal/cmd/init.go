package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/application/server"
	"github.com/LarsSch/privmx-sub001/application/testutil"
	"github.com/LarsSch/privmx-sub001/cli"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/pki"
)

const keyStoreFile = "server.keystore"

// initCmd represents the init command
var initCmd = cli.NewInitCommand("the PrivMX PKI server", initRunFunc)

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("dir", "d", ".", "Location of directory for storing generated files")
	initCmd.Flags().StringP("domain", "D", "localhost", "Domain served by the directory")
	initCmd.Flags().Bool("cert", false, "Generate a self-signed TLS key/cert with sane defaults")
}

func initRunFunc(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	domain, _ := cmd.Flags().GetString("domain")
	encoding, _ := cmd.Flags().GetString("encoding")
	cert, _ := cmd.Flags().GetBool("cert")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := mkKeyStore(dir); err != nil {
		return err
	}
	if err := mkConfig(dir, domain, encoding); err != nil {
		return err
	}
	if cert {
		if err := testutil.CreateTLSCert(dir); err != nil {
			return err
		}
	}
	fmt.Println("Created the configuration of", domain, "in", dir)
	return nil
}

func mkConfig(dir, domain, encoding string) error {
	file := filepath.Join(dir, "config."+encoding)
	addrs := []*server.Address{
		{
			ServerAddress: application.ServerAddress{
				Address: "unix:///tmp/pkiserver.sock",
			},
			AllowWrite:  true,
			AllowCosign: true,
		},
		{
			ServerAddress: application.ServerAddress{
				Address:     "tcp://0.0.0.0:8443",
				TLSCertPath: testutil.CertFile,
				TLSKeyPath:  testutil.KeyFile,
			},
			AllowCosign: true,
		},
	}
	logger := &application.LoggerConfig{
		EnableStacktrace: true,
		Environment:      "development",
		Path:             "pkiserver.log",
	}
	policies := server.NewPolicies(domain, keyStoreFile,
		merkletree.DefaultExpiration, merkletree.DefaultMaxModifyDelay)
	federation := &server.Federation{
		AllowProxy:     true,
		MaxCosigners:   pki.DefaultMaxCosigners,
		ConnectTimeout: application.Duration{Duration: 5 * time.Second},
		RequestTimeout: application.Duration{Duration: pki.DefaultRequestTimeout},
		CacheBackend:   server.CacheLevelDB,
		CacheTTL:       application.Duration{Duration: pki.DefaultCacheTTL},
	}
	conf := server.NewConfig(file, encoding, addrs, logger, policies,
		&server.Storage{Path: "db"}, federation)
	conf.MetricsAddress = "127.0.0.1:9100"
	return conf.Save()
}

func mkKeyStore(dir string) error {
	ks, err := pki.NewServerKeyStore()
	if err != nil {
		return err
	}
	return application.SaveKeyStore(filepath.Join(dir, keyStoreFile), ks)
}
