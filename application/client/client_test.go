package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LarsSch/privmx-sub001/application"
	"github.com/LarsSch/privmx-sub001/application/testutil"
	"github.com/LarsSch/privmx-sub001/protocol"
)

func newDirectory(t *testing.T, handler application.Handler, types ...int) string {
	t.Helper()
	addr := &application.ServerAddress{Address: testutil.LocalConnection(t)}
	perms := map[*application.ServerAddress]map[int]bool{addr: {}}
	for _, typ := range types {
		perms[addr][typ] = true
	}
	conf := application.NewCommonConfig("", "toml", nil)
	sb := application.NewServerBase(&conf, "Listen", perms)
	require.NoError(t, sb.ListenAndHandle(addr, handler))
	t.Cleanup(func() { sb.Shutdown() })
	return addr.Address
}

func TestCallOverUnixSocket(t *testing.T) {
	address := newDirectory(t, func(ctx context.Context, req *protocol.Request) *protocol.Response {
		msg := req.Request.(*protocol.KeyStoreRequest)
		if msg.Name != "alice" {
			return protocol.NewErrorResponse(protocol.ErrNotFound)
		}
		return protocol.NewResponse(&protocol.KeyStoreResponse{Domain: "b.example"})
	}, protocol.GetKeyStoreType)

	c := New(Options{Hosts: map[string]string{"b.example": address}})
	ctx := context.Background()

	df, err := c.Call(ctx, "b.example", protocol.GetKeyStoreType, &protocol.KeyStoreRequest{Name: "alice"})
	require.NoError(t, err)
	require.Equal(t, "b.example", df.(*protocol.KeyStoreResponse).Domain)

	_, err = c.Call(ctx, "b.example", protocol.GetKeyStoreType, &protocol.KeyStoreRequest{Name: "bob"})
	require.Equal(t, protocol.ErrNotFound, protocol.CodeOf(err))

	_, err = c.Call(ctx, "b.example", protocol.GetHistoryType, &protocol.HistoryRequest{})
	require.Equal(t, protocol.ErrForbidden, protocol.CodeOf(err))
}

func TestCallTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := protocol.ParseRequest(body)
		if r.URL.Path != application.RequestPath || err != nil || req.Type != protocol.GetServerKeyStoreType {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		res, _ := protocol.MarshalResponse(protocol.NewResponse(&protocol.ServerKeyStoreResponse{Domain: "c.example"}))
		_, _ = w.Write(res)
	}))
	defer srv.Close()
	hosts := map[string]string{"c.example": srv.URL + "/"}
	ctx := context.Background()

	// the test server's certificate is self-signed
	_, err := New(Options{Hosts: hosts, VerifyTLS: true}).Call(ctx, "c.example", protocol.GetServerKeyStoreType, struct{}{})
	require.Error(t, err)

	pool := srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	df, err := New(Options{Hosts: hosts, VerifyTLS: true, RootCAs: pool}).Call(ctx, "c.example", protocol.GetServerKeyStoreType, struct{}{})
	require.NoError(t, err)
	require.Equal(t, "c.example", df.(*protocol.ServerKeyStoreResponse).Domain)

	_, err = New(Options{Hosts: hosts}).Call(ctx, "c.example", protocol.GetServerKeyStoreType, struct{}{})
	require.NoError(t, err)
}

func TestCallErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"Error":100,"DirectoryResponse":{"Trees":"not a list"}}`))
	}))
	defer srv.Close()
	c := New(Options{Hosts: map[string]string{"d.example": srv.URL}})

	_, err := c.Call(context.Background(), "d.example", protocol.GetHistoryType, &protocol.HistoryRequest{})
	require.Equal(t, protocol.ErrInvalidRemoteResponse, protocol.CodeOf(err))

	_, err = c.Call(context.Background(), "unknown.invalid", protocol.GetHistoryType, &protocol.HistoryRequest{})
	require.Error(t, err)
}

func TestCallHonorsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c := New(Options{Hosts: map[string]string{"e.example": srv.URL}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Call(ctx, "e.example", protocol.GetHistoryType, &protocol.HistoryRequest{})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}
