package application

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/LarsSch/privmx-sub001/protocol"
)

const (
	// RequestPath is the HTTP path requests are posted to.
	RequestPath = "/pki"
	// MetricsPath is the HTTP path of the metrics endpoint.
	MetricsPath = "/metrics"

	maxRequestSize  = 1 << 20
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// A ServerAddress describes a server's connection.
// It supports two types of connections: a TCP connection ("tcp")
// and a Unix socket connection ("unix").
//
// Additionally, TCP connections must use TLS for added security,
// and each is required to specify a TLS certificate and corresponding
// private key.
type ServerAddress struct {
	// Address is formatted as a url: scheme://address.
	Address string `toml:"address" yaml:"address"`
	// TLSCertPath is a path to the server's TLS Certificate,
	// which has to be set if the connection is TCP.
	TLSCertPath string `toml:"cert,omitempty" yaml:"cert,omitempty"`
	// TLSKeyPath is a path to the server's TLS private key,
	// which has to be set if the connection is TCP.
	TLSKeyPath string `toml:"key,omitempty" yaml:"key,omitempty"`
}

// A Handler serves one decoded request.
type Handler func(ctx context.Context, req *protocol.Request) *protocol.Response

type remoteAddrKey struct{}

// RemoteAddr returns the address of the peer that sent the request
// being handled in ctx.
func RemoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// A ServerBase represents the base features needed to implement
// a directory server. It wraps a request handler with an HTTP layer
// which decodes requests, enforces the per-address permissions and
// encodes responses.
type ServerBase struct {
	Verb           string
	acceptableReqs map[*ServerAddress]map[int]bool

	logger *Logger

	mu       sync.Mutex
	servers  []*http.Server
	stop     chan struct{}
	waitStop sync.WaitGroup

	configFilePath string
	configEncoding string
	reloadChan     chan os.Signal
}

// NewServerBase creates a new generic server base.
func NewServerBase(conf *CommonConfig, listenVerb string,
	perms map[*ServerAddress]map[int]bool) *ServerBase {
	sb := new(ServerBase)
	sb.Verb = listenVerb
	sb.acceptableReqs = perms
	sb.logger = NewLogger(conf.Logger)
	sb.stop = make(chan struct{})
	sb.configFilePath = conf.Path
	sb.configEncoding = conf.Encoding
	sb.reloadChan = make(chan os.Signal, 1)
	signal.Notify(sb.reloadChan, syscall.SIGUSR2)
	return sb
}

// ListenAndHandle listens at the given server address and passes every
// request of a type permitted there to handler.
func (sb *ServerBase) ListenAndHandle(addr *ServerAddress, handler Handler) error {
	ln, err := addr.resolveAndListen()
	if err != nil {
		return err
	}
	router := mux.NewRouter()
	router.HandleFunc(RequestPath, sb.requestHandler(addr, handler)).Methods(http.MethodPost)
	sb.serve(addr.Address, ln, router)
	return nil
}

// ListenAndServeMetrics serves h under MetricsPath over plain HTTP at
// the TCP address.
func (sb *ServerBase) ListenAndServeMetrics(address string, h http.Handler) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	router := mux.NewRouter()
	router.Handle(MetricsPath, h).Methods(http.MethodGet)
	sb.serve(address, ln, router)
	return nil
}

func (sb *ServerBase) serve(name string, ln net.Listener, h http.Handler) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
	}
	sb.mu.Lock()
	sb.servers = append(sb.servers, srv)
	sb.mu.Unlock()

	sb.waitStop.Add(1)
	go func() {
		defer sb.waitStop.Done()
		sb.logger.Info(sb.Verb, "address", name)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sb.logger.Error(err.Error(), "address", name)
		}
	}()
}

func (addr *ServerAddress) resolveAndListen() (net.Listener, error) {
	u, err := url.Parse(addr.Address)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp":
		// force to use TLS
		cer, err := tls.LoadX509KeyPair(addr.TLSCertPath, addr.TLSKeyPath)
		if err != nil {
			return nil, err
		}
		ln, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, err
		}
		return tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cer},
			MinVersion:   tls.VersionTLS12,
		}), nil
	case "unix":
		return net.Listen(u.Scheme, u.Path)
	default:
		return nil, errors.Errorf("unknown network type %q", u.Scheme)
	}
}

// checkRequestType verifies that the server is allowed to handle
// the given Request message type at the given address.
func (sb *ServerBase) checkRequestType(addr *ServerAddress, reqType int) error {
	if !sb.acceptableReqs[addr][reqType] {
		return protocol.ErrForbidden
	}
	return nil
}

func (sb *ServerBase) requestHandler(addr *ServerAddress, handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var response *protocol.Response
		req, err := readRequest(w, r)
		switch {
		case err != nil:
			sb.logger.Debug(err.Error(), "address", r.RemoteAddr)
			response = protocol.NewErrorResponse(protocol.ErrMalformedMessage)
		case sb.checkRequestType(addr, req.Type) != nil:
			sb.logger.Warn("Unacceptable message type",
				"request type", req.Type, "address", r.RemoteAddr)
			response = protocol.NewErrorResponse(protocol.ErrForbidden)
		default:
			ctx := context.WithValue(r.Context(), remoteAddrKey{}, r.RemoteAddr)
			response = handler(ctx, req)
			if response.Error != protocol.ReqSuccess {
				sb.logger.Warn(response.Error.Error(),
					"request type", req.Type, "address", r.RemoteAddr)
			}
		}

		res, err := protocol.MarshalResponse(response)
		if err != nil {
			sb.logger.Error(err.Error(), "address", r.RemoteAddr)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(res); err != nil {
			sb.logger.Error(err.Error(), "address", r.RemoteAddr)
		}
	}
}

func readRequest(w http.ResponseWriter, r *http.Request) (*protocol.Request, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		return nil, err
	}
	return protocol.ParseRequest(body)
}

// RunInBackground creates a new goroutine that calls function `f`.
// It automatically increments the counter `sync.WaitGroup` of the
// `ServerBase` and calls `Done` when the function execution is finished.
func (sb *ServerBase) RunInBackground(f func()) {
	sb.waitStop.Add(1)
	go func() {
		f()
		sb.waitStop.Done()
	}()
}

// HotReload calls f on every SIGUSR2 until the server shuts down.
func (sb *ServerBase) HotReload(f func()) {
	for {
		select {
		case <-sb.stop:
			return
		case <-sb.reloadChan:
			f()
		}
	}
}

// Stop returns a channel that is closed when the server shuts down.
func (sb *ServerBase) Stop() <-chan struct{} {
	return sb.stop
}

// Logger returns the server base's logger instance.
func (sb *ServerBase) Logger() *Logger {
	return sb.logger
}

// ConfigInfo returns the server base's config file path and encoding.
func (sb *ServerBase) ConfigInfo() (string, string) {
	return sb.configFilePath, sb.configEncoding
}

// Shutdown stops accepting requests, waits for the ones in flight and
// for the background tasks to finish.
func (sb *ServerBase) Shutdown() error {
	close(sb.stop)
	signal.Stop(sb.reloadChan)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sb.mu.Lock()
	servers := sb.servers
	sb.mu.Unlock()
	var err error
	for _, srv := range servers {
		err = multierr.Append(err, srv.Shutdown(ctx))
	}
	sb.waitStop.Wait()
	// syncing stderr fails on some platforms
	_ = sb.logger.Sync()
	return err
}
