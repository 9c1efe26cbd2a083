// Defines the message format of the directory protocols
// and constructors for the response messages for each
// protocol.

package protocol

import (
	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/merkletree"
)

// The types of requests clients and federated directories send.
const (
	GetKeyStoreType = iota
	InsertKeyStoreType
	UpdateKeyStoreType
	InsertOrUpdateKeyStoreType
	GetHistoryType
	SignTreeType
	GetServerKeyStoreType
	GetTreeSignaturesType
)

// The modes of a KeyStoreModifyRequest.
const (
	ModeInsert = "insert"
	ModeUpdate = "update"
	ModeAuto   = "auto"
)

// A Request message defines the data a client must send to a directory
// for a particular request.
type Request struct {
	Type    int
	Request interface{}
}

// A KeyStoreRequest asks for the keystore registered under Name. An
// empty Domain means the directory's own domain; any other domain is
// looked up remotely, if the directory proxies. A non-empty Revision
// asks for the entry as of that snapshot. With Cosigned the response
// carries the cosignatures of the snapshot.
type KeyStoreRequest struct {
	Name     string
	Domain   string `json:",omitempty"`
	Revision []byte `json:",omitempty"`
	Cosigned bool   `json:",omitempty"`
}

// A KeyStoreModifyRequest registers or replaces the keystore of Name.
// KIS must be a key integration signature over the public view of
// KeyStore, issued against a recent snapshot of the directory.
type KeyStoreModifyRequest struct {
	Name     string
	KeyStore *keystore.KeyStore
	KIS      *sign.Signature
	Mode     string `json:",omitempty"`
}

// A HistoryRequest asks for the snapshots after the given bounds,
// newest first. Unset bounds are ignored.
type HistoryRequest struct {
	Revision  []byte `json:",omitempty"`
	Seq       *int64 `json:",omitempty"`
	Timestamp *int64 `json:",omitempty"`
}

// Bounds returns the request bounds in the form merkletree.Tree.History
// takes them.
func (r *HistoryRequest) Bounds() (revision []byte, seq, ts int64) {
	seq, ts = -1, -1
	if r.Seq != nil {
		seq = *r.Seq
	}
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	return r.Revision, seq, ts
}

// A SignTreeRequest asks a cosigner to sign snapshot Hash of Domain.
// RelaySignature, if set, is a signature by the requesting directory
// over Domain and Hash.
type SignTreeRequest struct {
	Domain         string
	Hash           []byte
	RelaySignature *sign.Signature `json:",omitempty"`
}

// A TreeSignaturesRequest asks a directory to collect cosignatures for
// its snapshot Hash.
type TreeSignaturesRequest struct {
	Hash []byte
}

// A Response message indicates the result of a request (i.e., an error
// code) and includes the DirectoryResponse if the request succeeded.
type Response struct {
	Error ErrorCode
	DirectoryResponse `json:",omitempty"`
}

// A DirectoryResponse is the payload of a successful Response.
type DirectoryResponse interface{}

// A KeyStoreResponse proves the answer to a KeyStoreRequest. Leaf is nil
// if the name is not registered, in which case AuthPath proves absence.
type KeyStoreResponse struct {
	Domain         string
	Tree           *merkletree.TreeMessage
	VRF            []byte
	VRFProof       []byte
	AuthPath       *merkletree.AuthPath
	Leaf           *merkletree.LeafNode `json:",omitempty"`
	ServerKeyStore *keystore.KeyStore
	Cosignatures   map[string]*sign.Signature `json:",omitempty"`
	// Warnings lists the cosigners that failed to sign Tree.
	Warnings []string `json:",omitempty"`
}

// A HistoryResponse lists snapshots, newest first.
type HistoryResponse struct {
	Trees []*merkletree.TreeMessage
}

// A SignTreeResponse carries a cosignature.
type SignTreeResponse struct {
	Signature *sign.Signature
}

// A ServerKeyStoreResponse carries the public keystore of a directory.
type ServerKeyStoreResponse struct {
	Domain   string
	KeyStore *keystore.KeyStore
}

// A TreeSignaturesResponse carries the cosignatures collected for a
// snapshot, keyed by cosigner domain, and the failures as warnings.
type TreeSignaturesResponse struct {
	Signatures map[string]*sign.Signature
	Warnings   []string `json:",omitempty"`
}

var _ DirectoryResponse = (*KeyStoreResponse)(nil)
var _ DirectoryResponse = (*HistoryResponse)(nil)
var _ DirectoryResponse = (*SignTreeResponse)(nil)
var _ DirectoryResponse = (*ServerKeyStoreResponse)(nil)
var _ DirectoryResponse = (*TreeSignaturesResponse)(nil)

// NewErrorResponse creates a new response message with the given error.
func NewErrorResponse(e ErrorCode) *Response {
	return &Response{Error: e}
}

// NewResponse wraps a successful payload.
func NewResponse(df DirectoryResponse) *Response {
	return &Response{Error: ReqSuccess, DirectoryResponse: df}
}

// Err returns nil for a successful response and the error code otherwise.
func (msg *Response) Err() error {
	if msg.Error == ReqSuccess {
		return nil
	}
	return msg.Error
}
