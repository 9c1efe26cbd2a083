package application

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LarsSch/privmx-sub001/application/testutil"
	"github.com/LarsSch/privmx-sub001/protocol"
)

func TestResolveAndListen(t *testing.T) {
	dir := testutil.CreateTLSCertForTest(t)

	// test TCP network
	addr := &ServerAddress{
		Address:     testutil.PublicConnection(t),
		TLSCertPath: filepath.Join(dir, testutil.CertFile),
		TLSKeyPath:  filepath.Join(dir, testutil.KeyFile),
	}
	ln, err := addr.resolveAndListen()
	require.NoError(t, err)
	ln.Close()

	// test Unix network
	addr = &ServerAddress{Address: testutil.LocalConnection(t)}
	ln, err = addr.resolveAndListen()
	require.NoError(t, err)
	ln.Close()

	// TCP without a certificate
	addr = &ServerAddress{Address: testutil.PublicConnection(t)}
	_, err = addr.resolveAndListen()
	require.Error(t, err)

	addr = &ServerAddress{Address: "udp://127.0.0.1:0"}
	_, err = addr.resolveAndListen()
	require.Error(t, err)
}

func post(t *testing.T, client *http.Client, url string, body []byte) *protocol.Response {
	t.Helper()
	res, err := client.Post(url+RequestPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	buf, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	response, err := protocol.UnmarshalResponse(protocol.GetServerKeyStoreType, buf)
	require.NoError(t, err)
	return response
}

func TestServerBasePermissions(t *testing.T) {
	dir := testutil.CreateTLSCertForTest(t)
	public := &ServerAddress{
		Address:     testutil.PublicConnection(t),
		TLSCertPath: filepath.Join(dir, testutil.CertFile),
		TLSKeyPath:  filepath.Join(dir, testutil.KeyFile),
	}
	local := &ServerAddress{Address: testutil.LocalConnection(t)}
	perms := map[*ServerAddress]map[int]bool{
		public: {protocol.GetServerKeyStoreType: true},
		local:  {protocol.GetServerKeyStoreType: true, protocol.InsertKeyStoreType: true},
	}
	conf := NewCommonConfig("", "toml", &LoggerConfig{Environment: "development"})
	sb := NewServerBase(&conf, "Listen", perms)

	var (
		mu      sync.Mutex
		handled []int
	)
	handler := func(ctx context.Context, req *protocol.Request) *protocol.Response {
		assert.NotEmpty(t, RemoteAddr(ctx))
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, req.Type)
		return protocol.NewResponse(&protocol.ServerKeyStoreResponse{Domain: "a.example"})
	}
	require.NoError(t, sb.ListenAndHandle(public, handler))
	require.NoError(t, sb.ListenAndHandle(local, handler))
	defer sb.Shutdown()

	tlsClient := testutil.NewTLSClient(t, dir)
	unixClient := testutil.NewUnixClient(local.Address)

	msg, err := protocol.MarshalRequest(protocol.GetServerKeyStoreType, struct{}{})
	require.NoError(t, err)
	res := post(t, tlsClient, testutil.URL(public.Address), msg)
	require.Equal(t, protocol.ReqSuccess, res.Error)
	require.Equal(t, "a.example", res.DirectoryResponse.(*protocol.ServerKeyStoreResponse).Domain)

	insert, err := protocol.MarshalRequest(protocol.InsertKeyStoreType, &protocol.KeyStoreModifyRequest{Name: "alice"})
	require.NoError(t, err)
	res = post(t, tlsClient, testutil.URL(public.Address), insert)
	require.Equal(t, protocol.ErrForbidden, res.Error)

	res = post(t, unixClient, testutil.URL(local.Address), insert)
	require.Equal(t, protocol.ReqSuccess, res.Error)

	res = post(t, tlsClient, testutil.URL(public.Address), []byte("{"))
	require.Equal(t, protocol.ErrMalformedMessage, res.Error)

	mu.Lock()
	require.Equal(t, []int{protocol.GetServerKeyStoreType, protocol.InsertKeyStoreType}, handled)
	mu.Unlock()

	get, err := tlsClient.Get(testutil.URL(public.Address) + RequestPath)
	require.NoError(t, err)
	get.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestServerBaseMetricsEndpoint(t *testing.T) {
	conf := NewCommonConfig("", "toml", nil)
	sb := NewServerBase(&conf, "Listen", nil)
	address := testutil.FreeAddress(t)
	require.NoError(t, sb.ListenAndServeMetrics(address, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})))

	res, err := http.Get("http://" + address + MetricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))

	require.NoError(t, sb.Shutdown())
	_, err = http.Get("http://" + address + MetricsPath)
	require.Error(t, err)
}
