/*
Package pki implements a federated key directory domain on top of the
merkletree package.

Directory

A PKI serves one domain. It keeps the domain's tree in a kv store, maps
user names to tree indices with the server's VRF and answers lookups with
a proof bundle: the signed head, the VRF value and proof, and the
authentication path of the index. The server's own keystore is the entry
named "*". Lookups of an expired head first commit a fresh snapshot.

Federation

A lookup for another domain is forwarded through a Caller when proxying
is allowed, and the answer is verified against that domain's server
keystore before it is returned. Server keystores of other domains are
pinned in the configuration or fetched once and cached.

ValidateTree checks that a snapshot belongs to another domain's history.
The history is fetched incrementally from the last snapshot verified
before, each snapshot's signature and hash chain link is checked, and the
verified snapshots are cached in a separate kv store.

Cosigning

Cosigners are registered domains that attest the local snapshots.
GetTreeSignatures asks a bounded sample of them in parallel to sign a
snapshot; failures become warnings. A cosigned snapshot is accepted once
the signers' weight exceeds half the number of cosigners, where a domain
attesting its own snapshot weighs SelfWeight.
*/
package pki
