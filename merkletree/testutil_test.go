package merkletree

import (
	"bytes"
	"testing"
	"time"

	"github.com/LarsSch/privmx-sub001/crypto"
	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/crypto/vrf"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/storage/kv"
	"github.com/LarsSch/privmx-sub001/storage/kv/leveldbkv"
)

const testDomain = "example.com"

var staticSigningKey = func() *sign.PrivateKey {
	sk, err := sign.PrivateKeyFromBytes(sign.Secp256k1,
		[]byte("deterministic tests need 256 bit"))
	if err != nil {
		panic(err)
	}
	return sk
}()

var staticVRFKey = vrf.New(staticSigningKey.Secp256k1())

// testClock is a settable clock for trees under test.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func newTestDB(t *testing.T) kv.DB {
	db, err := leveldbkv.OpenMem()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig(clock *testClock) Config {
	return Config{
		Domain:  testDomain,
		SignKey: staticSigningKey,
		Now:     clock.Now,
	}
}

func testIndex(name string) BitString {
	return BitStringFromBytes(crypto.Digest(staticVRFKey.Compute([]byte(name))))
}

func newTestKeyStore(t *testing.T, name string) *keystore.KeyStore {
	sk, err := sign.GenerateKey(sign.Secp256k1)
	if err != nil {
		t.Fatal(err)
	}
	return keystore.New(name, sk)
}

// newTestTree initializes a tree holding only the server keystore.
func newTestTree(t *testing.T, db kv.DB, clock *testClock) *Tree {
	server := keystore.New("server@"+testDomain, staticSigningKey)
	kis, err := server.GenerateKIS(nil)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := Init(db, testConfig(clock), testIndex(server.Name), server, kis)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

// insertTestUser inserts a fresh keystore for name with a KIS against
// the current head.
func insertTestUser(t *testing.T, tree *Tree, name string) *keystore.KeyStore {
	ks := newTestKeyStore(t, name)
	kis, err := ks.GenerateKIS(tree.Head().Hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(testIndex(name), ks, kis); err != nil {
		t.Fatal(err)
	}
	return ks
}

// checkTrie verifies the structural trie invariant below n.
func checkTrie(t *testing.T, n Node) {
	in, ok := n.(Interior)
	if !ok {
		return
	}
	left, err := in.Left()
	if err != nil {
		t.Fatal(err)
	}
	right, err := in.Right()
	if err != nil {
		t.Fatal(err)
	}
	if !in.Index().Equal(left.Index().LCP(right.Index())) {
		t.Fatalf("interior %s is not the lcp of its children", in.Index())
	}
	l := in.Index().Len()
	if left.Index().Bit(l) != 0 || right.Index().Bit(l) != 1 {
		t.Fatalf("children of %s are in the wrong order", in.Index())
	}
	if !bytes.Equal(in.Hash(), interiorHash(in.Index(), left.Hash(), right.Hash())) {
		t.Fatalf("interior %s has a stale hash", in.Index())
	}
	checkTrie(t, left)
	checkTrie(t, right)
}
