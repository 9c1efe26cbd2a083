package application

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
)

// AppConfig provides an abstraction of the
// underlying encoding format for the configs.
type AppConfig interface {
	Load(file, encoding string) error
	Save() error
	GetPath() string
}

// CommonConfig is the generic type used to specify the configuration of
// any kind of application-level executable (e.g. the PKI server or a
// client). It contains the file path, logger configuration, and config
// loader.
type CommonConfig struct {
	Path     string        `toml:"-" yaml:"-"`
	Logger   *LoggerConfig `toml:"logger" yaml:"logger"`
	Encoding string        `toml:"-" yaml:"-"`
	loader   ConfigLoader
}

// NewCommonConfig initializes an application's config file path,
// its loader for the given encoding, and the logger configuration.
// Note: This constructor must be called in each Load() method
// implementation of an AppConfig.
func NewCommonConfig(file, encoding string, logger *LoggerConfig) CommonConfig {
	return CommonConfig{
		Path:     file,
		Logger:   logger,
		Encoding: encoding,
		loader:   newConfigLoader(encoding),
	}
}

// GetLoader returns the config's loader.
func (conf *CommonConfig) GetLoader() ConfigLoader {
	if conf.loader == nil {
		conf.loader = newConfigLoader(conf.Encoding)
	}
	return conf.loader
}

// GetPath returns the config's file path.
func (conf *CommonConfig) GetPath() string {
	return conf.Path
}

// Duration is a time.Duration that is encoded as a string such as "1h"
// in config files.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Or returns d, or def if d is not positive.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}

// LoadKeyStore reads the keystore stored at path, which is resolved
// relative to the config file. The keystore must be valid and hold the
// private part of its secp256k1 primary key.
func LoadKeyStore(path, file string) (*keystore.KeyStore, error) {
	buf, err := os.ReadFile(ResolvePath(path, file))
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
	primary := ks.PrimaryKey()
	if primary.Algorithm != sign.Secp256k1 {
		return nil, errors.Errorf("primary key must be %s (got %s)", sign.Secp256k1, primary.Algorithm)
	}
	if _, err := primary.PrivateKey(); err != nil {
		return nil, errors.Wrap(err, "primary key")
	}
	return ks, nil
}

// SaveKeyStore writes ks, including its private keys, to path. An
// existing file is never overwritten.
func SaveKeyStore(path string, ks *keystore.KeyStore) error {
	buf, err := ks.Encode()
	if err != nil {
		return err
	}
	return WriteFile(path, buf, 0600)
}

// LoadPinnedKeyStore reads a public server keystore of another domain.
func LoadPinnedKeyStore(path, file string) (*keystore.KeyStore, error) {
	buf, err := os.ReadFile(ResolvePath(path, file))
	if err != nil {
		return nil, errors.Wrap(err, "cannot read pinned key store")
	}
	ks, err := keystore.Decode(buf)
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse pinned key store")
	}
	ks = ks.PublicView()
	if err := ks.Validate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// WriteFile writes buf to a file whose path is indicated by filename.
// It fails if the file exists.
func WriteFile(filename string, buf []byte, perm os.FileMode) error {
	if _, err := os.Stat(filename); err == nil {
		return errors.Errorf("can't write file, '%s' already exists", filename)
	}
	return os.WriteFile(filename, buf, perm)
}

// ResolvePath returns the absolute path of file.
// This will use other as a base path if file is just a file name.
func ResolvePath(file, other string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(filepath.Dir(other), file)
}
