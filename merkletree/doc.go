/*
Package merkletree implements the authenticated data structure of a key
directory domain.

Radix Trie

Entries live in a path compressed binary radix trie indexed by 256 bit
BitStrings, which the directory derives from user names with a VRF. An
interior node carries the longest common prefix of its children's indices
and only exists where two subtrees branch, so the trie has no empty nodes.
Node hashes bind each node's index:

	leaf.hash     = H(index || H("leaf" || nonce || dataHash || KIS || prevRevision))
	interior.hash = H(index || H(left.hash || right.hash))

Mutations are copy-on-write: Insert and Update build new nodes along the
path to the changed leaf and share everything else with the previous
trie, so committed nodes are never modified. Committed interior nodes are
loaded from storage on demand by hash.

Lookups return an AuthPath, from which a client holding only the root hash
can check either that an entry is present or that the index is absent.

Snapshots

Commit persists the working trie as a signed TreeMessage. Snapshots form a
hash chain: each one names its predecessor's hash and increments Seq by
one. The first snapshot of a domain (seq 0) holds only the server's own
keystore. Snapshot, new nodes and head pointer are written in one batch;
a failed commit leaves the previous head in place.
*/
package merkletree
