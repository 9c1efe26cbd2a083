package pki

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/protocol"
	"github.com/LarsSch/privmx-sub001/storage/kv"
	"github.com/LarsSch/privmx-sub001/storage/kv/leveldbkv"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testNet routes calls between in-process directories. Every call
// takes the same JSON round trip as over HTTP.
type testNet struct {
	mu     sync.Mutex
	nodes  map[string]*PKI
	down   map[string]bool
	tamper func(domain string, reqType int, df protocol.DirectoryResponse)
	calls  map[int]int
}

func newTestNet() *testNet {
	return &testNet{
		nodes: make(map[string]*PKI),
		down:  make(map[string]bool),
		calls: make(map[int]int),
	}
}

func (n *testNet) setDown(domain string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[domain] = down
}

func (n *testNet) setTamper(fn func(domain string, reqType int, df protocol.DirectoryResponse)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tamper = fn
}

func (n *testNet) callCount(reqType int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[reqType]
}

func (n *testNet) Call(ctx context.Context, domain string, reqType int, req interface{}) (protocol.DirectoryResponse, error) {
	n.mu.Lock()
	target, down, tamper := n.nodes[domain], n.down[domain], n.tamper
	n.calls[reqType]++
	n.mu.Unlock()
	if target == nil || down {
		return nil, context.DeadlineExceeded
	}

	msg, err := protocol.MarshalRequest(reqType, req)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseRequest(msg)
	if err != nil {
		return nil, err
	}
	buf, err := protocol.MarshalResponse(target.HandleRequest(ctx, parsed))
	if err != nil {
		return nil, err
	}
	res, err := protocol.UnmarshalResponse(reqType, buf)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	if tamper != nil {
		tamper(domain, reqType, res.DirectoryResponse)
	}
	return res.DirectoryResponse, nil
}

type testOption func(*Config)

func withProxy(c *Config) { c.AllowProxy = true }

func newTestPKI(t *testing.T, net *testNet, clock *testClock, domain string, opts ...testOption) *PKI {
	t.Helper()
	ks, err := NewServerKeyStore()
	require.NoError(t, err)
	store := kv.NewHandle(leveldbkv.Opener(t.TempDir()))
	conf := Config{Domain: domain, Now: clock.Now}
	for _, opt := range opts {
		opt(&conf)
	}
	p, err := New(conf, ks, store, nil, net, nil)
	require.NoError(t, err)
	_, err = p.Init()
	require.NoError(t, err)
	net.mu.Lock()
	net.nodes[domain] = p
	net.mu.Unlock()
	return p
}

func head(t *testing.T, p *PKI) []byte {
	t.Helper()
	res, err := p.GetKeyStore(context.Background(), &protocol.KeyStoreRequest{Name: ServerEntryName})
	require.NoError(t, err)
	return res.Tree.Hash
}

func newUserKeyStore(t *testing.T, name string) *keystore.KeyStore {
	t.Helper()
	key, err := sign.GenerateKey(sign.Secp256k1)
	require.NoError(t, err)
	return keystore.New(name, key)
}

func insertUser(t *testing.T, p *PKI, name string) (*keystore.KeyStore, *protocol.KeyStoreResponse) {
	t.Helper()
	ks := newUserKeyStore(t, name)
	kis, err := ks.GenerateKIS(head(t, p))
	require.NoError(t, err)
	res, err := p.InsertKeyStore(context.Background(), &protocol.KeyStoreModifyRequest{
		Name:     name,
		KeyStore: ks,
		KIS:      kis,
	})
	require.NoError(t, err)
	return ks, res
}

func addCosigner(t *testing.T, p, cosigner *PKI) {
	t.Helper()
	require.NoError(t, p.AddCosigner(cosigner.Domain(), uuid.NewString(), cosigner.KeyStore(), "127.0.0.1"))
}
