package server

import (
	"time"

	"github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/pki"
)

const (
	// CacheLevelDB keeps verified foreign history in a leveldb next to
	// the tree.
	CacheLevelDB = "leveldb"
	// CacheRedis keeps verified foreign history in Redis.
	CacheRedis = "redis"
)

// An Address describes a server's connection.
// It makes the server connections configurable
// so that a directory can expose a read-only public address and a
// private address accepting writes.
//
// Writes and cosigning have to be allowed explicitly for each
// connection. Lookups and history requests are allowed everywhere.
type Address struct {
	application.ServerAddress `yaml:",inline"`
	// AllowWrite permits inserting and updating key stores.
	AllowWrite bool `toml:"allow_write,omitempty" yaml:"allow_write,omitempty"`
	// AllowCosign permits other domains to request signatures of their
	// snapshots, and this domain's clients to collect cosignatures.
	AllowCosign bool `toml:"allow_cosign,omitempty" yaml:"allow_cosign,omitempty"`
}

// Policies contains the domain's tree policies: the path to the server
// keystore, the snapshot expiration and the maximal KIS delay.
type Policies struct {
	Domain         string               `toml:"domain" yaml:"domain"`
	KeyStorePath   string               `toml:"keystore_path" yaml:"keystore_path"`
	TreeExpiration application.Duration `toml:"tree_expiration" yaml:"tree_expiration"`
	MaxModifyDelay application.Duration `toml:"max_modify_delay" yaml:"max_modify_delay"`
	keyStore       *keystore.KeyStore
}

// NewPolicies initializes a new Policies struct.
func NewPolicies(domain, keyStorePath string, expiration, maxModifyDelay time.Duration) *Policies {
	return &Policies{
		Domain:         domain,
		KeyStorePath:   keyStorePath,
		TreeExpiration: application.Duration{Duration: expiration},
		MaxModifyDelay: application.Duration{Duration: maxModifyDelay},
	}
}

// Storage locates the server's persistent state.
type Storage struct {
	// Path is the leveldb directory of the tree and the cosigner
	// registry.
	Path string `toml:"path" yaml:"path"`
}

// Federation configures how the directory talks to other domains.
type Federation struct {
	// Hosts maps a domain to the base URL of its directory.
	Hosts          map[string]string    `toml:"hosts,omitempty" yaml:"hosts,omitempty"`
	AllowProxy     bool                 `toml:"allow_proxy" yaml:"allow_proxy"`
	MaxCosigners   int                  `toml:"max_cosigners" yaml:"max_cosigners"`
	ConnectTimeout application.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout application.Duration `toml:"request_timeout" yaml:"request_timeout"`
	// VerifyTLS is on unless explicitly disabled.
	VerifyTLS     *bool                `toml:"verify_tls,omitempty" yaml:"verify_tls,omitempty"`
	CacheBackend  string               `toml:"cache_backend" yaml:"cache_backend"`
	RedisAddress  string               `toml:"redis_address,omitempty" yaml:"redis_address,omitempty"`
	RedisPassword string               `toml:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int                  `toml:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	CacheTTL      application.Duration `toml:"cache_ttl" yaml:"cache_ttl"`
	// SignRate is the number of signTree requests per second accepted
	// from one domain; zero disables the limit.
	SignRate  float64 `toml:"sign_rate,omitempty" yaml:"sign_rate,omitempty"`
	SignBurst int     `toml:"sign_burst,omitempty" yaml:"sign_burst,omitempty"`
	// Pinned maps a domain to the file of its trusted server keystore.
	Pinned map[string]string `toml:"pinned,omitempty" yaml:"pinned,omitempty"`
	pinned map[string]*keystore.KeyStore
}

func (f *Federation) verifyTLS() bool {
	return f.VerifyTLS == nil || *f.VerifyTLS
}

// A Config contains configuration values
// which are read at initialization time from
// a TOML or YAML format configuration file.
type Config struct {
	application.CommonConfig `yaml:",inline"`
	// Addresses contains the server's connections configuration.
	Addresses []*Address `toml:"addresses" yaml:"addresses"`
	// MetricsAddress, if set, serves the prometheus metrics.
	MetricsAddress string `toml:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
	// Policies contains the domain's tree policies.
	Policies *Policies `toml:"policies" yaml:"policies"`
	// Storage locates the persistent state.
	Storage *Storage `toml:"storage" yaml:"storage"`
	// Federation configures the communication with other domains.
	Federation *Federation `toml:"federation" yaml:"federation"`
}

var _ application.AppConfig = (*Config)(nil)

// NewConfig initializes a new server configuration at the given file
// path with the given encoding, server addresses, logger configuration
// and policies.
func NewConfig(file, encoding string, addrs []*Address, logConfig *application.LoggerConfig,
	policies *Policies, storage *Storage, federation *Federation) *Config {
	return &Config{
		CommonConfig: application.NewCommonConfig(file, encoding, logConfig),
		Addresses:    addrs,
		Policies:     policies,
		Storage:      storage,
		Federation:   federation,
	}
}

// Load initializes a server configuration from the corresponding config
// file. It reads the server keystore and the pinned keystores and
// resolves every path against the config file's directory.
func (conf *Config) Load(file, encoding string) error {
	conf.CommonConfig = application.NewCommonConfig(file, encoding, nil)
	if err := conf.GetLoader().Decode(conf); err != nil {
		return err
	}
	if conf.Logger != nil {
		if err := conf.Logger.Validate(); err != nil {
			return err
		}
	}
	if conf.Policies == nil || conf.Policies.Domain == "" {
		return errors.New("policies.domain is required")
	}
	if conf.Storage == nil || conf.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if conf.Federation == nil {
		conf.Federation = new(Federation)
	}
	switch conf.Federation.CacheBackend {
	case "":
		conf.Federation.CacheBackend = CacheLevelDB
	case CacheLevelDB:
	case CacheRedis:
		if conf.Federation.RedisAddress == "" {
			return errors.New("federation.redis_address is required for the redis cache")
		}
	default:
		return errors.Errorf("unknown cache backend %q", conf.Federation.CacheBackend)
	}

	ks, err := application.LoadKeyStore(conf.Policies.KeyStorePath, file)
	if err != nil {
		return err
	}
	conf.Policies.keyStore = ks

	conf.Federation.pinned = make(map[string]*keystore.KeyStore, len(conf.Federation.Pinned))
	for domain, path := range conf.Federation.Pinned {
		pinned, err := application.LoadPinnedKeyStore(path, file)
		if err != nil {
			return errors.Wrapf(err, "pinned key store of %s", domain)
		}
		conf.Federation.pinned[domain] = pinned
	}

	conf.Storage.Path = application.ResolvePath(conf.Storage.Path, file)
	// also update path for TLS cert files
	for _, addr := range conf.Addresses {
		addr.TLSCertPath = application.ResolvePath(addr.TLSCertPath, file)
		addr.TLSKeyPath = application.ResolvePath(addr.TLSKeyPath, file)
	}
	if conf.Logger != nil {
		conf.Logger.Path = application.ResolvePath(conf.Logger.Path, file)
	}
	return nil
}

// Save writes a server's configuration.
func (conf *Config) Save() error {
	return conf.GetLoader().Encode(conf)
}

// pkiConfig translates the configuration for pki.New.
func (conf *Config) pkiConfig() pki.Config {
	return pki.Config{
		Domain:         conf.Policies.Domain,
		Expiration:     conf.Policies.TreeExpiration.Or(merkletree.DefaultExpiration),
		MaxModifyDelay: conf.Policies.MaxModifyDelay.Or(merkletree.DefaultMaxModifyDelay),
		AllowProxy:     conf.Federation.AllowProxy,
		MaxCosigners:   conf.Federation.MaxCosigners,
		CacheTTL:       conf.Federation.CacheTTL.Or(pki.DefaultCacheTTL),
		RequestTimeout: conf.Federation.RequestTimeout.Or(pki.DefaultRequestTimeout),
		Pinned:         conf.Federation.pinned,
	}
}
