package merkletree

import (
	"encoding/json"
	"testing"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
)

func TestTreeMessageVerify(t *testing.T) {
	genesis, err := newTreeMessage(staticSigningKey, &TreeMessage{Seq: -1}, []byte("root"), 100)
	if err != nil {
		t.Fatal(err)
	}
	if !genesis.IsGenesis() {
		t.Fatal("first snapshot is not genesis")
	}
	next, err := newTreeMessage(staticSigningKey, genesis, []byte("root2"), 200)
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != 1 || !next.VerifyHashChain(genesis) {
		t.Fatal("successor does not chain")
	}

	buf, err := json.Marshal(next)
	if err != nil {
		t.Fatal(err)
	}
	var got TreeMessage
	if err := json.Unmarshal(buf, &got); err != nil {
		t.Fatal(err)
	}
	if err := got.Verify(staticSigningKey.Public()); err != nil {
		t.Fatal(err)
	}

	other, _ := sign.GenerateKey(sign.Secp256k1)
	if got.Verify(other.Public()) == nil {
		t.Fatal("snapshot verified under a foreign key")
	}
	got.RootHash = []byte("forged")
	if got.Verify(staticSigningKey.Public()) == nil {
		t.Fatal("forged root verified")
	}

	backwards, _ := newTreeMessage(staticSigningKey, next, []byte("root3"), 150)
	if backwards.VerifyHashChain(next) {
		t.Fatal("timestamps must not decrease along the chain")
	}
}
