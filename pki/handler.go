package pki

import (
	"context"

	"github.com/LarsSch/privmx-sub001/protocol"
)

// HandleRequest passes a decoded request to the operation of its type
// and wraps the outcome in a response.
func (p *PKI) HandleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	var (
		df  protocol.DirectoryResponse
		err error
	)
	switch req.Type {
	case protocol.GetKeyStoreType:
		if msg, ok := req.Request.(*protocol.KeyStoreRequest); ok {
			df, err = p.GetKeyStore(ctx, msg)
		}
	case protocol.InsertKeyStoreType:
		if msg, ok := req.Request.(*protocol.KeyStoreModifyRequest); ok {
			df, err = p.InsertKeyStore(ctx, msg)
		}
	case protocol.UpdateKeyStoreType:
		if msg, ok := req.Request.(*protocol.KeyStoreModifyRequest); ok {
			df, err = p.UpdateKeyStore(ctx, msg)
		}
	case protocol.InsertOrUpdateKeyStoreType:
		if msg, ok := req.Request.(*protocol.KeyStoreModifyRequest); ok {
			df, err = p.InsertOrUpdateKeyStore(ctx, msg)
		}
	case protocol.GetHistoryType:
		if msg, ok := req.Request.(*protocol.HistoryRequest); ok {
			df, err = p.GetHistory(ctx, msg)
		}
	case protocol.SignTreeType:
		if msg, ok := req.Request.(*protocol.SignTreeRequest); ok {
			df, err = p.SignTree(ctx, msg)
		}
	case protocol.GetServerKeyStoreType:
		df = p.GetServerKeyStore()
	case protocol.GetTreeSignaturesType:
		if msg, ok := req.Request.(*protocol.TreeSignaturesRequest); ok {
			df, err = p.GetTreeSignatures(ctx, msg.Hash)
		}
	}

	if err != nil {
		code := protocol.CodeOf(err)
		if code == protocol.ErrInternalServer || code == protocol.ErrStorageFailure {
			p.log.Error(err.Error(), "request type", req.Type)
		} else {
			p.log.Debug(err.Error(), "request type", req.Type)
		}
		return protocol.NewErrorResponse(code)
	}
	if df == nil {
		return protocol.NewErrorResponse(protocol.ErrMalformedMessage)
	}
	return protocol.NewResponse(df)
}
