// Defines methods/functions to encode/decode messages between
// directories and their clients. Messages are JSON encoded.

package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MarshalRequest encodes a request of type t.
func MarshalRequest(t int, req interface{}) ([]byte, error) {
	return json.Marshal(&Request{Type: t, Request: req})
}

// MarshalResponse encodes response.
func MarshalResponse(response *Response) ([]byte, error) {
	return json.Marshal(response)
}

// UnmarshalRequest decodes the envelope of msg. The request body is
// returned undecoded for the caller to decode according to its type.
func UnmarshalRequest(msg []byte) (Request, json.RawMessage, error) {
	var content json.RawMessage
	req := Request{
		Request: &content,
	}
	e := json.Unmarshal(msg, &req)
	return req, content, e
}

// ParseRequest decodes msg into a Request whose body has the concrete
// message type of the request type.
func ParseRequest(msg []byte) (*Request, error) {
	req, content, err := UnmarshalRequest(msg)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	var request interface{}
	switch req.Type {
	case GetKeyStoreType:
		request = new(KeyStoreRequest)
	case InsertKeyStoreType, UpdateKeyStoreType, InsertOrUpdateKeyStoreType:
		request = new(KeyStoreModifyRequest)
	case GetHistoryType:
		request = new(HistoryRequest)
	case SignTreeType:
		request = new(SignTreeRequest)
	case GetServerKeyStoreType:
		request = new(struct{})
	case GetTreeSignaturesType:
		request = new(TreeSignaturesRequest)
	default:
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown request type %d", req.Type)
	}
	if len(content) > 0 && string(content) != "null" {
		if err := json.Unmarshal(content, request); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
	}
	req.Request = request
	return &req, nil
}

// UnmarshalResponse decodes msg as the response to a request of type t.
// A response carrying an error code is returned without a payload.
func UnmarshalResponse(t int, msg []byte) (*Response, error) {
	var raw struct {
		Error             ErrorCode
		DirectoryResponse json.RawMessage
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if raw.Error != ReqSuccess {
		return NewErrorResponse(raw.Error), nil
	}

	var df DirectoryResponse
	switch t {
	case GetKeyStoreType, InsertKeyStoreType, UpdateKeyStoreType, InsertOrUpdateKeyStoreType:
		df = new(KeyStoreResponse)
	case GetHistoryType:
		df = new(HistoryResponse)
	case SignTreeType:
		df = new(SignTreeResponse)
	case GetServerKeyStoreType:
		df = new(ServerKeyStoreResponse)
	case GetTreeSignaturesType:
		df = new(TreeSignaturesResponse)
	default:
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown request type %d", t)
	}
	if len(raw.DirectoryResponse) == 0 {
		return nil, errors.Wrap(ErrMalformedMessage, "missing response payload")
	}
	if err := json.Unmarshal(raw.DirectoryResponse, df); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return NewResponse(df), nil
}
