// Package client implements the HTTP transport a directory uses to call
// the directories of other domains.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/protocol"
)

const (
	// DefaultConnectTimeout bounds establishing a connection.
	DefaultConnectTimeout = 5 * time.Second

	maxResponseSize = 8 << 20
	unixScheme      = "unix://"
)

// Options configures a Client.
type Options struct {
	// Hosts maps a domain to the base URL of its directory, e.g.
	// "https://pki.example.com:8443" or "unix:///run/pki.sock". Domains
	// without an entry are reached at https://<domain>.
	Hosts map[string]string
	// ConnectTimeout bounds dialing and the TLS handshake. Request
	// deadlines come from the context of each call.
	ConnectTimeout time.Duration
	// VerifyTLS enables verification of server certificates.
	VerifyTLS bool
	// RootCAs replaces the system roots if set.
	RootCAs *x509.CertPool
}

// A Client sends requests to other directories over HTTP.
type Client struct {
	mu    sync.RWMutex
	hosts map[string]string
	web   *http.Client
	unix  map[string]*http.Client
	opts  Options
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !opts.VerifyTLS,
			RootCAs:            opts.RootCAs,
			MinVersion:         tls.VersionTLS12,
		},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		web:  &http.Client{Transport: transport},
		opts: opts,
	}
	c.SetHosts(opts.Hosts)
	return c
}

// SetHosts replaces the domain to URL mapping.
func (c *Client) SetHosts(hosts map[string]string) {
	unix := make(map[string]*http.Client)
	copied := make(map[string]string, len(hosts))
	for domain, base := range hosts {
		base = strings.TrimSuffix(base, "/")
		copied[domain] = base
		if strings.HasPrefix(base, unixScheme) {
			unix[domain] = unixClient(strings.TrimPrefix(base, unixScheme), c.opts.ConnectTimeout)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts = copied
	c.unix = unix
}

func unixClient(path string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", path)
			},
		},
	}
}

// target returns the request URL for domain and the client to send it
// with.
func (c *Client) target(domain string) (string, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if hc, ok := c.unix[domain]; ok {
		return "http://unix" + application.RequestPath, hc
	}
	base, ok := c.hosts[domain]
	if !ok {
		base = "https://" + domain
	}
	return base + application.RequestPath, c.web
}

// Call sends a request of type reqType to the directory of domain. A
// response carrying an error code is returned as that
// protocol.ErrorCode.
func (c *Client) Call(ctx context.Context, domain string, reqType int, req interface{}) (protocol.DirectoryResponse, error) {
	msg, err := protocol.MarshalRequest(reqType, req)
	if err != nil {
		return nil, err
	}
	url, hc := c.target(domain)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	res, err := hc.Do(hreq)
	if err != nil {
		return nil, errors.Wrapf(err, "calling %s", domain)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("calling %s: %s", domain, res.Status)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrapf(err, "reading response of %s", domain)
	}

	response, err := protocol.UnmarshalResponse(reqType, body)
	if err != nil {
		return nil, errors.Wrapf(protocol.ErrInvalidRemoteResponse, "%s: %v", domain, err)
	}
	if err := response.Err(); err != nil {
		return nil, err
	}
	return response.DirectoryResponse, nil
}
