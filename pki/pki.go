package pki

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	pkgerrors "github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto"
	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/crypto/vrf"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/protocol"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

// ServerEntryName is the name of the leaf holding a directory's own
// keystore.
const ServerEntryName = "*"

const (
	// DefaultMaxCosigners bounds the cosigners asked per snapshot.
	DefaultMaxCosigners = 10
	// DefaultCacheTTL is the lifetime of cached remote keystores and
	// cosignatures.
	DefaultCacheTTL = 10 * time.Minute
	// DefaultRequestTimeout bounds every remote call.
	DefaultRequestTimeout = 15 * time.Second

	cacheSize = 1024
)

var (
	// ErrInvalidServerKey indicates a server keystore whose primary key
	// cannot sign snapshots or derive VRF values.
	ErrInvalidServerKey = errors.New("[pki] Server key store has no usable secp256k1 primary key")
	// ErrNoCaller indicates a federated operation on a PKI without a
	// Caller.
	ErrNoCaller = errors.New("[pki] No remote caller configured")
)

// A Caller sends a request of type reqType to the directory of domain
// and returns the decoded payload of its response. A response carrying
// an error code is returned as that protocol.ErrorCode.
type Caller interface {
	Call(ctx context.Context, domain string, reqType int, req interface{}) (protocol.DirectoryResponse, error)
}

// Logger receives the diagnostics of a PKI. *application.Logger
// implements it.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Config configures a PKI.
type Config struct {
	// Domain is the directory's own domain.
	Domain string
	// Expiration bounds the age of a snapshot served or accepted as
	// current.
	Expiration time.Duration
	// MaxModifyDelay bounds how far behind the head a KIS may be.
	MaxModifyDelay time.Duration
	// NodeCacheSize bounds the nodes cached per opened tree.
	NodeCacheSize int
	// AllowProxy enables lookups of foreign domains.
	AllowProxy bool
	// MaxCosigners bounds the cosigners asked per snapshot.
	MaxCosigners int
	// CacheTTL is the lifetime of cached remote keystores and
	// cosignatures.
	CacheTTL time.Duration
	// RequestTimeout bounds every remote call.
	RequestTimeout time.Duration
	// Pinned server keystores take precedence over fetched ones.
	Pinned map[string]*keystore.KeyStore
	// Now returns the current time; time.Now if nil.
	Now func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Expiration <= 0 {
		out.Expiration = merkletree.DefaultExpiration
	}
	if out.MaxModifyDelay <= 0 {
		out.MaxModifyDelay = merkletree.DefaultMaxModifyDelay
	}
	if out.MaxCosigners <= 0 {
		out.MaxCosigners = DefaultMaxCosigners
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = DefaultCacheTTL
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// PKI is the directory of one domain. It owns the domain's persistence
// scope and caches; every operation opens its own tree handle over the
// shared store.
//
// Writers of the domain are serialized by the PKI. Readers run
// concurrently: committed snapshots and nodes are immutable.
type PKI struct {
	confMu sync.RWMutex
	conf   Config

	key      *sign.PrivateKey
	vrfKey   *vrf.PrivateKey
	keyStore *keystore.KeyStore

	store  *kv.Handle
	cache  *kv.Handle
	caller Caller
	log    Logger

	writeMu    sync.Mutex
	registryMu sync.Mutex
	domainMu   sync.Map // domain -> *sync.Mutex

	remoteKeyStores *expirable.LRU[string, *keystore.KeyStore]
	cosignatures    *expirable.LRU[string, *sign.Signature]
}

// New creates the PKI of conf.Domain. ks is the server keystore; its
// primary key must be a secp256k1 key with its private half. store holds
// the tree and the cosigner registry; cache, which may be the same
// handle, holds verified foreign history. caller and log may be nil.
func New(conf Config, ks *keystore.KeyStore, store, cache *kv.Handle, caller Caller, log Logger) (*PKI, error) {
	if err := ks.Validate(); err != nil {
		return nil, err
	}
	primary := ks.PrimaryKey()
	if primary.Algorithm != sign.Secp256k1 {
		return nil, ErrInvalidServerKey
	}
	key, err := primary.PrivateKey()
	if err != nil {
		return nil, pkgerrors.Wrap(ErrInvalidServerKey, err.Error())
	}
	if cache == nil {
		cache = store
	}
	if log == nil {
		log = nopLogger{}
	}
	conf = conf.withDefaults()
	return &PKI{
		conf:            conf,
		key:             key,
		vrfKey:          vrf.New(key.Secp256k1()),
		keyStore:        ks,
		store:           store,
		cache:           cache,
		caller:          caller,
		log:             log,
		remoteKeyStores: expirable.NewLRU[string, *keystore.KeyStore](cacheSize, nil, conf.CacheTTL),
		cosignatures:    expirable.NewLRU[string, *sign.Signature](cacheSize, nil, conf.CacheTTL),
	}, nil
}

// NewServerKeyStore creates a fresh server keystore for a directory.
func NewServerKeyStore() (*keystore.KeyStore, error) {
	key, err := sign.GenerateKey(sign.Secp256k1)
	if err != nil {
		return nil, err
	}
	return keystore.New(ServerEntryName, key), nil
}

// Init creates the domain's tree with the server keystore as its
// genesis leaf. It fails with merkletree.ErrAlreadyInitialized if the
// tree exists.
func (p *PKI) Init() (*merkletree.TreeMessage, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var head *merkletree.TreeMessage
	err := p.store.With(func(db kv.DB) error {
		kis, err := p.keyStore.GenerateKIS(nil)
		if err != nil {
			return err
		}
		tree, err := merkletree.Init(db, p.treeConfig(), p.index(ServerEntryName), p.keyStore, kis)
		if err != nil {
			return err
		}
		head = tree.Head()
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("Tree initialized", "hash", head.Hash)
	return head, nil
}

// Domain returns the directory's domain.
func (p *PKI) Domain() string {
	return p.conf.Domain
}

// Expiration returns the current snapshot expiration.
func (p *PKI) Expiration() time.Duration {
	return p.config().Expiration
}

// KeyStore returns the public view of the server keystore.
func (p *PKI) KeyStore() *keystore.KeyStore {
	return p.keyStore.PublicView()
}

// SetPolicies replaces the policies that may change at run time.
// Non-positive values keep the current setting.
func (p *PKI) SetPolicies(expiration, maxModifyDelay time.Duration, maxCosigners int) {
	p.confMu.Lock()
	defer p.confMu.Unlock()
	if expiration > 0 {
		p.conf.Expiration = expiration
	}
	if maxModifyDelay > 0 {
		p.conf.MaxModifyDelay = maxModifyDelay
	}
	if maxCosigners > 0 {
		p.conf.MaxCosigners = maxCosigners
	}
}

func (p *PKI) config() Config {
	p.confMu.RLock()
	defer p.confMu.RUnlock()
	return p.conf
}

func (p *PKI) treeConfig() merkletree.Config {
	conf := p.config()
	return merkletree.Config{
		Domain:         conf.Domain,
		SignKey:        p.key,
		Expiration:     conf.Expiration,
		MaxModifyDelay: conf.MaxModifyDelay,
		NodeCacheSize:  conf.NodeCacheSize,
		Now:            conf.Now,
	}
}

// index derives the trie index of name.
func (p *PKI) index(name string) merkletree.BitString {
	return indexOf(p.vrfKey.Compute([]byte(name)))
}

func indexOf(vrfValue []byte) merkletree.BitString {
	return merkletree.BitStringFromBytes(crypto.Digest(vrfValue))
}

// openTree opens the domain's tree at its head.
func (p *PKI) openTree(db kv.DB) (*merkletree.Tree, error) {
	return merkletree.Open(db, p.treeConfig())
}

// freshTree opens the tree at a head no older than the expiration
// window, committing empty snapshots if the head expired.
func (p *PKI) freshTree(db kv.DB) (*merkletree.Tree, error) {
	tree, err := p.openTree(db)
	if err != nil {
		return nil, err
	}
	if tree.IsFresh(tree.Head()) {
		return tree, nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if tree, err = p.openTree(db); err != nil {
		return nil, err
	}
	if err := p.ensureFresh(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// Refresh commits empty snapshots if the head expired and returns the
// head.
func (p *PKI) Refresh() (*merkletree.TreeMessage, error) {
	var head *merkletree.TreeMessage
	err := p.store.With(func(db kv.DB) error {
		tree, err := p.freshTree(db)
		if err != nil {
			return err
		}
		head = tree.Head()
		return nil
	})
	return head, err
}

// ensureFresh must be called with writeMu held.
func (p *PKI) ensureFresh(tree *merkletree.Tree) error {
	n, err := tree.EnsureFresh()
	if n > 0 {
		p.log.Info("Refreshed expired tree", "commits", n, "seq", tree.Head().Seq)
	}
	return err
}

func (p *PKI) remote() (Caller, error) {
	if p.caller == nil {
		return nil, ErrNoCaller
	}
	return p.caller, nil
}

func (p *PKI) lockDomain(domain string) func() {
	m, _ := p.domainMu.LoadOrStore(domain, new(sync.Mutex))
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
