// Package testutil provides listeners, TLS material and HTTP clients for
// testing servers built on the application package.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	// CertFile and KeyFile are the names of the files written by
	// CreateTLSCertForTest.
	CertFile = "server.pem"
	KeyFile  = "server.key"
)

// CreateTLSCert writes a self-signed certificate for 127.0.0.1 and
// localhost with its key to dir.
func CreateTLSCert(dir string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"privmx"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}
	if err := writePEM(filepath.Join(dir, CertFile), "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(filepath.Join(dir, KeyFile), "EC PRIVATE KEY", keyDER)
}

// CreateTLSCertForTest runs CreateTLSCert in a temporary directory and
// returns the directory.
func CreateTLSCertForTest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := CreateTLSCert(dir); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writePEM(path, typ string, der []byte) error {
	buf := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	return os.WriteFile(path, buf, 0600)
}

// FreeAddress returns a local TCP address that was free a moment ago.
func FreeAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// PublicConnection returns a tcp:// server address on a free port.
func PublicConnection(t *testing.T) string {
	return "tcp://" + FreeAddress(t)
}

// LocalConnection returns a unix:// server address in a temporary
// directory.
func LocalConnection(t *testing.T) string {
	return "unix://" + filepath.Join(t.TempDir(), "pki.sock")
}

// NewTLSClient returns a client trusting the certificate written to dir
// by CreateTLSCertForTest.
func NewTLSClient(t *testing.T, dir string) *http.Client {
	t.Helper()
	certPEM, err := os.ReadFile(filepath.Join(dir, CertFile))
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("cannot parse test certificate")
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
}

// NewUnixClient returns a client that sends every request to the unix
// socket of address.
func NewUnixClient(address string) *http.Client {
	path := strings.TrimPrefix(address, "unix://")
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
}

// URL turns a tcp:// or unix:// server address into the base URL to use
// with the clients above.
func URL(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return "http://unix"
	}
	return "https://" + strings.TrimPrefix(address, "tcp://")
}
