// Package server implements the network server of a directory domain.
package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/application/client"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/pki"
	"github.com/LarsSch/privmx-sub001/protocol"
	"github.com/LarsSch/privmx-sub001/storage/kv"
	"github.com/LarsSch/privmx-sub001/storage/kv/leveldbkv"
	"github.com/LarsSch/privmx-sub001/storage/kv/rediskv"
)

// A PKIServer represents a directory server.
// It wraps a pki.PKI with a network layer which
// handles requests/responses and their encoding/decoding.
// A PKIServer also keeps the domain's head from expiring and
// reloads its policies on SIGUSR2.
type PKIServer struct {
	*application.ServerBase
	pki     *pki.PKI
	store   *kv.Handle
	cache   *kv.Handle
	client  *client.Client
	metrics *metrics
	limiter *domainLimiter
	now     func() time.Time

	addrs          []*Address
	metricsAddress string
}

// permissions returns the request types accepted at addr.
func permissions(addr *Address) map[int]bool {
	return map[int]bool{
		protocol.GetKeyStoreType:            true,
		protocol.GetHistoryType:             true,
		protocol.GetServerKeyStoreType:      true,
		protocol.InsertKeyStoreType:         addr.AllowWrite,
		protocol.UpdateKeyStoreType:         addr.AllowWrite,
		protocol.InsertOrUpdateKeyStoreType: addr.AllowWrite,
		protocol.SignTreeType:               addr.AllowCosign,
		protocol.GetTreeSignaturesType:      addr.AllowCosign,
	}
}

// NewPKIServer creates a directory server from conf, opening its
// storage and initializing the domain's tree on first start.
func NewPKIServer(conf *Config) (*PKIServer, error) {
	perms := make(map[*application.ServerAddress]map[int]bool)
	for _, addr := range conf.Addresses {
		perms[&addr.ServerAddress] = permissions(addr)
	}
	sb := application.NewServerBase(&conf.CommonConfig, "Listen", perms)

	store := kv.NewHandle(leveldbkv.Opener(conf.Storage.Path))
	var cache *kv.Handle
	switch conf.Federation.CacheBackend {
	case CacheRedis:
		cache = kv.NewHandle(rediskv.Opener(rediskv.Options{
			Address:  conf.Federation.RedisAddress,
			Password: conf.Federation.RedisPassword,
			DB:       conf.Federation.RedisDB,
		}))
	default:
		cache = kv.NewHandle(leveldbkv.Opener(conf.Storage.Path + "-cache"))
	}

	// hold a reference for the server's lifetime
	if _, err := store.Open(); err != nil {
		return nil, err
	}
	if _, err := cache.Open(); err != nil {
		store.Close()
		return nil, err
	}

	cl := client.New(client.Options{
		Hosts:          conf.Federation.Hosts,
		ConnectTimeout: conf.Federation.ConnectTimeout.Or(client.DefaultConnectTimeout),
		VerifyTLS:      conf.Federation.verifyTLS(),
	})
	pkiConf := conf.pkiConfig()
	p, err := pki.New(pkiConf, conf.Policies.keyStore, store, cache, cl, sb.Logger().Named("pki").With("domain", pkiConf.Domain))
	if err != nil {
		store.Close()
		cache.Close()
		return nil, err
	}
	if _, err := p.Init(); err != nil && !errors.Is(err, merkletree.ErrAlreadyInitialized) {
		store.Close()
		cache.Close()
		return nil, err
	}

	return &PKIServer{
		ServerBase:     sb,
		pki:            p,
		store:          store,
		cache:          cache,
		client:         cl,
		metrics:        newMetrics(p.Domain()),
		limiter:        newDomainLimiter(conf.Federation.SignRate, conf.Federation.SignBurst),
		now:            time.Now,
		addrs:          conf.Addresses,
		metricsAddress: conf.MetricsAddress,
	}, nil
}

// PKI returns the server's directory.
func (server *PKIServer) PKI() *pki.PKI {
	return server.pki
}

// HandleRequests passes the request to the directory after applying
// the signTree rate limit, and records the outcome.
func (server *PKIServer) HandleRequests(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	var res *protocol.Response
	if msg, ok := req.Request.(*protocol.SignTreeRequest); ok && req.Type == protocol.SignTreeType {
		if !server.limiter.allow(msg.Domain, server.now()) {
			server.metrics.rateLimited.Inc()
			server.Logger().Warn("signTree rate limited",
				"domain", msg.Domain, "address", application.RemoteAddr(ctx))
			res = protocol.NewErrorResponse(protocol.ErrRateLimited)
		}
	}
	if res == nil {
		res = server.pki.HandleRequest(ctx, req)
	}
	server.metrics.observe(req.Type, res, time.Since(start).Seconds())
	return res
}

// Run implements the main functionality of the directory server.
// It listens for all declared connections with corresponding
// permissions.
func (server *PKIServer) Run() error {
	hasWritePerm := false
	for _, addr := range server.addrs {
		hasWritePerm = hasWritePerm || addr.AllowWrite
		if err := server.ListenAndHandle(&addr.ServerAddress, server.HandleRequests); err != nil {
			return errors.Wrapf(err, "listening at %s", addr.Address)
		}
	}
	if !hasWritePerm {
		server.Logger().Warn("None of the addresses permit writes")
	}
	if server.metricsAddress != "" {
		if err := server.ListenAndServeMetrics(server.metricsAddress, server.metrics.handler()); err != nil {
			return errors.Wrapf(err, "listening at %s", server.metricsAddress)
		}
	}

	server.RunInBackground(server.refreshTree)
	server.RunInBackground(func() { server.HotReload(server.updatePolicies) })
	return nil
}

// refreshTree commits a fresh snapshot whenever the head expires.
func (server *PKIServer) refreshTree() {
	for {
		interval := server.pki.Expiration() / 4
		select {
		case <-server.Stop():
			return
		case <-time.After(interval):
			if _, err := server.pki.Refresh(); err != nil {
				server.Logger().Error(err.Error())
			}
		}
	}
}

func (server *PKIServer) updatePolicies() {
	path, encoding := server.ConfigInfo()
	conf := new(Config)
	if err := conf.Load(path, encoding); err != nil {
		// error occurred while reading server config
		// simply abort the reloading policies process
		server.Logger().Error(err.Error())
		return
	}
	server.pki.SetPolicies(conf.Policies.TreeExpiration.Duration,
		conf.Policies.MaxModifyDelay.Duration, conf.Federation.MaxCosigners)
	server.client.SetHosts(conf.Federation.Hosts)
	server.Logger().Info("Policies reloaded!")
}

// Shutdown stops the network layer and releases the storage.
func (server *PKIServer) Shutdown() error {
	err := server.ServerBase.Shutdown()
	err = multierr.Append(err, server.store.Close())
	err = multierr.Append(err, server.cache.Close())
	return err
}
