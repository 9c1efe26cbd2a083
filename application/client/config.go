package client

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/keystore"
)

// DefaultRequestTimeout bounds every call made by a user client.
const DefaultRequestTimeout = 15 * time.Second

// Config contains a user client's configuration: its home domain and
// key store, where to reach directories and which server key stores it
// trusts.
type Config struct {
	application.CommonConfig `yaml:",inline"`
	// Domain is the home directory of the user.
	Domain string `toml:"domain" yaml:"domain"`
	// KeyStorePath is the file of the user's own key store, including
	// its private keys.
	KeyStorePath string `toml:"keystore_path" yaml:"keystore_path"`
	// Hosts maps a domain to the base URL of its directory.
	Hosts map[string]string `toml:"hosts,omitempty" yaml:"hosts,omitempty"`
	// Pinned maps a domain to the file of its trusted server key store.
	Pinned         map[string]string    `toml:"pinned,omitempty" yaml:"pinned,omitempty"`
	Expiration     application.Duration `toml:"expiration" yaml:"expiration"`
	ConnectTimeout application.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout application.Duration `toml:"request_timeout" yaml:"request_timeout"`
	VerifyTLS      *bool                `toml:"verify_tls,omitempty" yaml:"verify_tls,omitempty"`

	pinned map[string]*keystore.KeyStore
}

var _ application.AppConfig = (*Config)(nil)

// NewConfig initializes a user client configuration at the given file
// path with the given encoding.
func NewConfig(file, encoding, domain, keyStorePath string, hosts map[string]string) *Config {
	return &Config{
		CommonConfig: application.NewCommonConfig(file, encoding, nil),
		Domain:       domain,
		KeyStorePath: keyStorePath,
		Hosts:        hosts,
	}
}

// Load initializes a user client configuration from the given file and
// reads the pinned server key stores.
func (conf *Config) Load(file, encoding string) error {
	conf.CommonConfig = application.NewCommonConfig(file, encoding, nil)
	if err := conf.GetLoader().Decode(conf); err != nil {
		return err
	}
	if conf.Domain == "" {
		return errors.New("domain is required")
	}
	conf.KeyStorePath = application.ResolvePath(conf.KeyStorePath, file)
	conf.pinned = make(map[string]*keystore.KeyStore, len(conf.Pinned))
	for domain, path := range conf.Pinned {
		ks, err := application.LoadPinnedKeyStore(path, file)
		if err != nil {
			return errors.Wrapf(err, "pinned key store of %s", domain)
		}
		conf.pinned[domain] = ks
	}
	return nil
}

// Save writes a user client's configuration.
func (conf *Config) Save() error {
	return conf.GetLoader().Encode(conf)
}

// KeyStore reads the user's key store. It must hold the private half of
// its primary key.
func (conf *Config) KeyStore() (*keystore.KeyStore, error) {
	buf, err := os.ReadFile(conf.KeyStorePath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read key store")
	}
	ks, err := keystore.Decode(buf)
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse key store")
	}
	if err := ks.Validate(); err != nil {
		return nil, err
	}
	if _, err := ks.PrimaryKey().PrivateKey(); err != nil {
		return nil, errors.Wrap(err, "key store has no private primary key")
	}
	return ks, nil
}

// NewUser creates the User described by conf.
func (conf *Config) NewUser() *User {
	c := New(Options{
		Hosts:          conf.Hosts,
		ConnectTimeout: conf.ConnectTimeout.Or(DefaultConnectTimeout),
		VerifyTLS:      conf.VerifyTLS == nil || *conf.VerifyTLS,
	})
	return NewUser(c, conf.pinned, conf.Expiration.Duration)
}

// Timeout returns the deadline applied to each command.
func (conf *Config) Timeout() time.Duration {
	return conf.RequestTimeout.Or(DefaultRequestTimeout)
}
