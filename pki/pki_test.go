package pki

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/protocol"
)

func TestInitTwice(t *testing.T) {
	p := newTestPKI(t, newTestNet(), newTestClock(), "a.example")
	_, err := p.Init()
	require.ErrorIs(t, err, merkletree.ErrAlreadyInitialized)
}

func TestNewRejectsEd25519ServerKey(t *testing.T) {
	key, err := sign.GenerateKey(sign.Ed25519)
	require.NoError(t, err)
	_, err = New(Config{Domain: "a.example"}, keystore.New(ServerEntryName, key), nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidServerKey)
}

func TestInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	p := newTestPKI(t, newTestNet(), newTestClock(), "a.example")

	absent, err := p.GetKeyStore(ctx, &protocol.KeyStoreRequest{Name: "alice"})
	require.NoError(t, err)
	require.Nil(t, absent.Leaf)
	require.EqualValues(t, 0, absent.Tree.Seq)
	require.NoError(t, p.VerifyKeyStoreResponse("a.example", "alice", absent, p.KeyStore(), true))

	ks, res := insertUser(t, p, "alice")
	require.EqualValues(t, 1, res.Tree.Seq)
	require.NotNil(t, res.Leaf)
	require.NoError(t, p.VerifyKeyStoreResponse("a.example", "alice", res, p.KeyStore(), true))

	got, err := keystore.Decode(res.Leaf.KeyStore)
	require.NoError(t, err)
	require.Equal(t, ks.PublicView(), got)

	// a proof for alice does not prove anything about bob
	require.Error(t, p.VerifyKeyStoreResponse("a.example", "bob", res, p.KeyStore(), true))

	kis, err := ks.GenerateKIS(res.Tree.Hash)
	require.NoError(t, err)
	_, err = p.InsertKeyStore(ctx, &protocol.KeyStoreModifyRequest{Name: "alice", KeyStore: ks, KIS: kis})
	require.Equal(t, protocol.ErrAlreadyExists, protocol.CodeOf(err))

	_, err = p.UpdateKeyStore(ctx, &protocol.KeyStoreModifyRequest{Name: "bob", KeyStore: newUserKeyStore(t, "bob"), KIS: kis})
	require.Equal(t, protocol.ErrInvalidIntegrationSignature, protocol.CodeOf(err), "KIS over another key store")
}

func TestModifyValidation(t *testing.T) {
	ctx := context.Background()
	p := newTestPKI(t, newTestNet(), newTestClock(), "a.example")
	ks := newUserKeyStore(t, "alice")
	kis, err := ks.GenerateKIS(head(t, p))
	require.NoError(t, err)

	for _, tc := range []struct {
		req  *protocol.KeyStoreModifyRequest
		code protocol.ErrorCode
	}{
		{&protocol.KeyStoreModifyRequest{Name: "alice", KIS: kis}, protocol.ErrMalformedMessage},
		{&protocol.KeyStoreModifyRequest{Name: "bob", KeyStore: ks, KIS: kis}, protocol.ErrInvalidKeyContainer},
		{&protocol.KeyStoreModifyRequest{Name: ServerEntryName, KeyStore: ks, KIS: kis}, protocol.ErrInvalidKeyContainer},
		{&protocol.KeyStoreModifyRequest{Name: "alice", KeyStore: ks, KIS: kis, Mode: "merge"}, protocol.ErrMalformedMessage},
	} {
		_, err := p.InsertOrUpdateKeyStore(ctx, tc.req)
		assert.Equal(t, tc.code, protocol.CodeOf(err), "%+v", tc.req)
	}
}

func TestUpdateAndKeyStoreHistory(t *testing.T) {
	ctx := context.Background()
	p := newTestPKI(t, newTestNet(), newTestClock(), "a.example")
	ks, first := insertUser(t, p, "alice")

	sub, err := sign.GenerateKey(sign.Ed25519)
	require.NoError(t, err)
	ks.AddKey(sub, keystore.Sign)
	kis, err := ks.GenerateKIS(first.Tree.Hash)
	require.NoError(t, err)
	second, err := p.InsertOrUpdateKeyStore(ctx, &protocol.KeyStoreModifyRequest{Name: "alice", KeyStore: ks, KIS: kis})
	require.NoError(t, err)
	require.EqualValues(t, 2, second.Tree.Seq)
	require.Equal(t, first.Tree.Hash, second.Leaf.PrevRevision)

	// a KIS issued by a key alice never had
	stranger := newUserKeyStore(t, "alice")
	kis, err = stranger.GenerateKIS(second.Tree.Hash)
	require.NoError(t, err)
	_, err = p.UpdateKeyStore(ctx, &protocol.KeyStoreModifyRequest{Name: "alice", KeyStore: stranger, KIS: kis})
	require.Equal(t, protocol.ErrInvalidIntegrationSignature, protocol.CodeOf(err))

	versions, err := p.KeyStoreHistory("alice")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Len(t, mustDecode(t, versions[0].KeyStore).Keys, 2)
	require.Len(t, mustDecode(t, versions[1].KeyStore).Keys, 1)

	old, err := p.GetKeyStore(ctx, &protocol.KeyStoreRequest{Name: "alice", Revision: first.Tree.Hash})
	require.NoError(t, err)
	require.Equal(t, first.Tree.Hash, old.Tree.Hash)
	require.Len(t, mustDecode(t, old.Leaf.KeyStore).Keys, 1)
	require.NoError(t, p.VerifyKeyStoreResponse("a.example", "alice", old, p.KeyStore(), false))

	_, err = p.GetKeyStore(ctx, &protocol.KeyStoreRequest{Name: "alice", Revision: []byte("unknown")})
	require.Equal(t, protocol.ErrMissingRevision, protocol.CodeOf(err))

	_, err = p.KeyStoreHistory("bob")
	require.ErrorIs(t, err, merkletree.ErrNotFound)
}

func TestStaleKIS(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	p := newTestPKI(t, newTestNet(), clock, "a.example")
	ks, first := insertUser(t, p, "alice")

	clock.Advance(10 * time.Minute)
	insertUser(t, p, "bob")

	kis, err := ks.GenerateKIS(first.Tree.Hash)
	require.NoError(t, err)
	_, err = p.UpdateKeyStore(ctx, &protocol.KeyStoreModifyRequest{Name: "alice", KeyStore: ks, KIS: kis})
	require.Equal(t, protocol.ErrInvalidIntegrationSignature, protocol.CodeOf(err))
}

func TestLookupRefreshesExpiredTree(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	p := newTestPKI(t, newTestNet(), clock, "a.example")
	clock.Advance(3 * time.Hour)

	res, err := p.GetKeyStore(ctx, &protocol.KeyStoreRequest{Name: "alice"})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Tree.Seq)
	require.NoError(t, p.VerifyKeyStoreResponse("a.example", "alice", res, p.KeyStore(), true))

	history, err := p.GetHistory(ctx, &protocol.HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, history.Trees, 3)
}

func TestSetPolicies(t *testing.T) {
	p := newTestPKI(t, newTestNet(), newTestClock(), "a.example")
	p.SetPolicies(2*time.Hour, 0, 3)
	conf := p.config()
	require.Equal(t, 2*time.Hour, conf.Expiration)
	require.Equal(t, merkletree.DefaultMaxModifyDelay, conf.MaxModifyDelay)
	require.Equal(t, 3, conf.MaxCosigners)
}

func mustDecode(t *testing.T, b []byte) *keystore.KeyStore {
	t.Helper()
	ks, err := keystore.Decode(b)
	require.NoError(t, err)
	return ks
}

func TestRefresh(t *testing.T) {
	clock := newTestClock()
	p := newTestPKI(t, newTestNet(), clock, "a.example")
	genesis := head(t, p)

	tm, err := p.Refresh()
	require.NoError(t, err)
	require.Equal(t, genesis, tm.Hash)

	clock.Advance(90 * time.Minute)
	tm, err = p.Refresh()
	require.NoError(t, err)
	require.EqualValues(t, 1, tm.Seq)
	require.Equal(t, genesis, tm.PrevTreeHash)
}
