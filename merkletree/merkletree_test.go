package merkletree

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
)

func TestGenesis(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	if _, err := Open(db, testConfig(clock)); err != ErrUninitialized {
		t.Fatal("expected", ErrUninitialized, "got", err)
	}
	tree := newTestTree(t, db, clock)
	head := tree.Head()
	if head.Seq != 0 || !head.IsGenesis() {
		t.Fatal("genesis snapshot must have seq 0 and no predecessor")
	}
	if err := head.Verify(staticSigningKey.Public()); err != nil {
		t.Fatal(err)
	}
	leaf, _, err := tree.Lookup(testIndex("server@" + testDomain))
	if err != nil {
		t.Fatal(err)
	}
	if leaf == nil || leaf.Name != "server@"+testDomain {
		t.Fatal("server keystore is missing from the genesis tree")
	}
	ks, err := keystore.Decode(leaf.KeyStore)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range ks.Keys {
		if len(k.Private) != 0 {
			t.Fatal("private key material stored in the tree")
		}
	}

	reopened, err := Open(db, testConfig(clock))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reopened.Head().Hash, head.Hash) {
		t.Fatal("reopened tree is not at the head")
	}
	if _, err := Init(db, testConfig(clock), testIndex("x"), newTestKeyStore(t, "x"), nil); err != ErrAlreadyInitialized {
		t.Fatal("expected", ErrAlreadyInitialized, "got", err)
	}
}

// TestScenario walks through the basic life cycle of an entry.
func TestScenario(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)

	alice := insertTestUser(t, tree, "alice")
	tm, err := tree.Commit(false)
	if err != nil {
		t.Fatal(err)
	}
	if tm.Seq != 1 {
		t.Fatal("expected seq 1, got", tm.Seq)
	}

	leaf, ap, err := tree.Lookup(testIndex("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if leaf == nil || leaf.Name != "alice" {
		t.Fatal("alice not found")
	}
	if typ, err := ap.Verify(tm.RootHash, leaf); err != nil || typ != ProofOfInclusion {
		t.Fatal("expected a valid proof of inclusion, got", typ, err)
	}

	kis, err := alice.GenerateKIS(tm.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(testIndex("alice"), alice, kis); err != ErrAlreadyExists {
		t.Fatal("expected", ErrAlreadyExists, "got", err)
	}
	if !bytes.Equal(tree.Root().Hash(), tm.RootHash) {
		t.Fatal("failed insert changed the working root")
	}

	next := newTestKeyStore(t, "alice")
	rogue, err := sign.GenerateKey(sign.Secp256k1)
	if err != nil {
		t.Fatal(err)
	}
	badKIS, err := keystore.SignKIS(next, rogue, tm.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Update(testIndex("alice"), next, badKIS); !errors.Is(err, keystore.ErrInvalidKIS) {
		t.Fatal("expected", keystore.ErrInvalidKIS, "got", err)
	}
}

func TestInsertKeepsTrieInvariant(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	for i := 0; i < 50; i++ {
		insertTestUser(t, tree, fmt.Sprintf("user%d", i))
		checkTrie(t, tree.Root())
		if i%10 == 9 {
			if _, err := tree.Commit(false); err != nil {
				t.Fatal(err)
			}
		}
	}

	reopened, err := Open(db, testConfig(clock))
	if err != nil {
		t.Fatal(err)
	}
	checkTrie(t, reopened.Root())
	if !bytes.Equal(reopened.Root().Hash(), tree.Head().RootHash) {
		t.Fatal("loaded root does not match the snapshot")
	}
}

func TestInclusionAndExclusion(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	var names []string
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("user%d", i)
		insertTestUser(t, tree, name)
		names = append(names, name)
	}
	tm, err := tree.Commit(false)
	if err != nil {
		t.Fatal(err)
	}

	// use a fresh handle so every interior node is a lazily loaded proxy
	tree, err = Open(db, testConfig(clock))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		leaf, ap, err := tree.Lookup(testIndex(name))
		if err != nil {
			t.Fatal(err)
		}
		if leaf == nil {
			t.Fatal("missing", name)
		}
		if typ, err := ap.Verify(tm.RootHash, leaf); err != nil || typ != ProofOfInclusion {
			t.Fatal(name, typ, err)
		}
		if _, err := ap.Verify(tm.RootHash, nil); err == nil {
			t.Fatal("proof of inclusion verified without its leaf")
		}
	}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("stranger%d", i)
		leaf, ap, err := tree.Lookup(testIndex(name))
		if err != nil {
			t.Fatal(err)
		}
		if leaf != nil {
			t.Fatal("found absent", name)
		}
		if typ, err := ap.Verify(tm.RootHash, nil); err != nil || typ != ProofOfAbsence {
			t.Fatal(name, typ, err)
		}
	}
}

func TestCommitIdempotence(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	insertTestUser(t, tree, "alice")
	first, err := tree.Commit(false)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	second, err := tree.Commit(false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Hash, second.Hash) || second.Seq != first.Seq {
		t.Fatal("commit without changes produced a new snapshot")
	}
	forced, err := tree.Commit(true)
	if err != nil {
		t.Fatal(err)
	}
	if forced.Seq != first.Seq+1 || !bytes.Equal(forced.RootHash, first.RootHash) {
		t.Fatal("forced commit must advance seq and keep the root")
	}
}

func TestHashChain(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	for i := 0; i < 5; i++ {
		insertTestUser(t, tree, fmt.Sprintf("user%d", i))
		clock.Advance(time.Second)
		if _, err := tree.Commit(false); err != nil {
			t.Fatal(err)
		}
	}
	history, err := tree.History(nil, -1, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 6 {
		t.Fatal("expected 6 snapshots, got", len(history))
	}
	pk := staticSigningKey.Public()
	for i, tm := range history {
		if err := tm.Verify(pk); err != nil {
			t.Fatal(i, err)
		}
		if i+1 < len(history) && !tm.VerifyHashChain(history[i+1]) {
			t.Fatal("broken chain at", tm.Seq)
		}
	}

	// tampering with a snapshot breaks it and its successor's link
	forged := *history[3]
	forged.Timestamp++
	if forged.Verify(pk) == nil {
		t.Fatal("tampered snapshot verified")
	}
	forged.Signature = sign.Sign(forged.Serialize(), staticSigningKey, sign.Tree)
	forged.Hash = forged.computeHash()
	if history[2].VerifyHashChain(&forged) {
		t.Fatal("successor still links to a rewritten snapshot")
	}
}

func TestHistoryBounds(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	var snapshots []*TreeMessage
	snapshots = append(snapshots, tree.Head())
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		tm, err := tree.Commit(true)
		if err != nil {
			t.Fatal(err)
		}
		snapshots = append(snapshots, tm)
	}

	h, err := tree.History(snapshots[2].Hash, -1, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 2 || h[0].Seq != 4 || h[1].Seq != 3 {
		t.Fatal("history by revision is wrong")
	}
	if h, _ = tree.History(nil, 1, -1); len(h) != 3 {
		t.Fatal("history by seq is wrong", len(h))
	}
	if h, _ = tree.History(nil, -1, snapshots[3].Timestamp); len(h) != 1 {
		t.Fatal("history by timestamp is wrong", len(h))
	}
	if h, _ = tree.History(snapshots[4].Hash, -1, -1); len(h) != 0 {
		t.Fatal("history up to the head must be empty")
	}
}

func TestCheckout(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	genesis := tree.Head()
	insertTestUser(t, tree, "alice")
	if _, err := tree.Commit(false); err != nil {
		t.Fatal(err)
	}

	if err := tree.Checkout([]byte("nope")); err != ErrMissingRevision {
		t.Fatal("expected", ErrMissingRevision, "got", err)
	}
	if err := tree.Checkout(genesis.Hash); err != nil {
		t.Fatal(err)
	}
	if leaf, _, _ := tree.Lookup(testIndex("alice")); leaf != nil {
		t.Fatal("alice visible in the genesis snapshot")
	}
	ks := newTestKeyStore(t, "bob")
	kis, _ := ks.GenerateKIS(genesis.Hash)
	if err := tree.Insert(testIndex("bob"), ks, kis); err != ErrReadOnly {
		t.Fatal("expected", ErrReadOnly, "got", err)
	}
	if _, err := tree.Commit(true); err != ErrReadOnly {
		t.Fatal("expected", ErrReadOnly, "got", err)
	}
}

func TestUpdate(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	alice := insertTestUser(t, tree, "alice")
	tm, err := tree.Commit(false)
	if err != nil {
		t.Fatal(err)
	}
	old, _, _ := tree.Lookup(testIndex("alice"))

	sub, _ := sign.GenerateKey(sign.Ed25519)
	alice.AddKey(sub, keystore.Encrypt)
	kis, err := alice.GenerateKIS(tm.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Update(testIndex("alice"), alice, kis); err != nil {
		t.Fatal(err)
	}
	tm, err = tree.Commit(false)
	if err != nil {
		t.Fatal(err)
	}
	leaf, ap, _ := tree.Lookup(testIndex("alice"))
	if !bytes.Equal(leaf.PrevRevision, old.Revision()) {
		t.Fatal("update lost the previous revision")
	}
	if _, err := ap.Verify(tm.RootHash, leaf); err != nil {
		t.Fatal(err)
	}

	if err := tree.Update(testIndex("bob"), alice, kis); err != ErrNotFound {
		t.Fatal("expected", ErrNotFound, "got", err)
	}

	invalid := alice.PublicView()
	invalid.Primary = "missing"
	if err := tree.Update(testIndex("alice"), invalid, kis); !errors.Is(err, keystore.ErrInvalidKeyStore) {
		t.Fatal("expected", keystore.ErrInvalidKeyStore, "got", err)
	}
}

func TestKISFreshness(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	alice := insertTestUser(t, tree, "alice")
	old, err := tree.Commit(false)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := tree.Commit(true); err != nil {
		t.Fatal(err)
	}
	recent, _ := alice.GenerateKIS(old.Hash)
	if err := tree.ValidateKIS(recent); err != nil {
		t.Fatal("KIS within the delay rejected:", err)
	}

	clock.Advance(10 * time.Minute)
	if _, err := tree.Commit(true); err != nil {
		t.Fatal(err)
	}
	stale, _ := alice.GenerateKIS(old.Hash)
	if err := tree.Update(testIndex("alice"), alice, stale); !errors.Is(err, keystore.ErrInvalidKIS) {
		t.Fatal("expected", keystore.ErrInvalidKIS, "got", err)
	}
	unknown, _ := alice.GenerateKIS([]byte("unknown tree"))
	if err := tree.ValidateKIS(unknown); !errors.Is(err, keystore.ErrInvalidKIS) {
		t.Fatal("expected", keystore.ErrInvalidKIS, "got", err)
	}
}

func TestEnsureFresh(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	start := tree.Head()

	if n, err := tree.EnsureFresh(); err != nil || n != 0 {
		t.Fatal("fresh tree was committed", n, err)
	}
	clock.Advance(3*time.Hour + time.Minute)
	n, err := tree.EnsureFresh()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatal("expected 3 catch-up commits, got", n)
	}
	head := tree.Head()
	if head.Seq != start.Seq+3 || head.Timestamp != start.Timestamp+3*3600 {
		t.Fatal("catch-up commits advanced the wrong amount")
	}
	if !tree.IsFresh(head) {
		t.Fatal("tree is still stale")
	}
}

func TestConcurrentCommit(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	tree := newTestTree(t, db, clock)
	other, err := Open(db, testConfig(clock))
	if err != nil {
		t.Fatal(err)
	}
	insertTestUser(t, tree, "alice")
	insertTestUser(t, other, "bob")
	if _, err := tree.Commit(false); err != nil {
		t.Fatal(err)
	}
	if _, err := other.Commit(false); err != ErrConcurrentCommit {
		t.Fatal("expected", ErrConcurrentCommit, "got", err)
	}
	if leaf, _, _ := other.Lookup(testIndex("bob")); leaf == nil {
		t.Fatal("failed commit dropped the working root")
	}
}
