// Defines constants representing the types
// of errors that a directory server may return to a client
// or to another directory server.

package protocol

import (
	"errors"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

// An ErrorCode is a number indicating the outcome of a request. Every
// error kind a directory can report has its own code.
type ErrorCode int

const (
	ReqSuccess ErrorCode = iota + 100
	ErrNotFound
	ErrAlreadyExists
	ErrInvalidKeyContainer
	ErrInvalidIntegrationSignature
	ErrInvalidRemoteResponse
	ErrUnknownOrInvalidHistory
	ErrQuorumNotReached
	ErrInvalidCosignerSignature
	ErrStorageFailure
	ErrMissingRevision
	ErrForeignDomainNotAllowed
	ErrMalformedMessage
	ErrRateLimited
	ErrForbidden
	ErrInternalServer
)

var errorMessages = map[ErrorCode]string{
	ReqSuccess:                     "[privmx] Successful request",
	ErrNotFound:                    "[privmx] Key store not found",
	ErrAlreadyExists:               "[privmx] Key store already exists",
	ErrInvalidKeyContainer:         "[privmx] Invalid key store",
	ErrInvalidIntegrationSignature: "[privmx] Invalid key integration signature",
	ErrInvalidRemoteResponse:       "[privmx] Invalid response from remote domain",
	ErrUnknownOrInvalidHistory:     "[privmx] Unknown or invalid tree history",
	ErrQuorumNotReached:            "[privmx] Cosigner quorum not reached",
	ErrInvalidCosignerSignature:    "[privmx] Invalid cosigner signature",
	ErrStorageFailure:              "[privmx] Storage failure",
	ErrMissingRevision:             "[privmx] Missing tree revision",
	ErrForeignDomainNotAllowed:     "[privmx] Requests for foreign domains are not allowed",
	ErrMalformedMessage:            "[privmx] Malformed message",
	ErrRateLimited:                 "[privmx] Rate limit exceeded",
	ErrForbidden:                   "[privmx] Operation not permitted",
	ErrInternalServer:              "[privmx] Internal server error",
}

// Error returns the message of e.
func (e ErrorCode) Error() string {
	if msg, ok := errorMessages[e]; ok {
		return msg
	}
	return errorMessages[ErrInternalServer]
}

// Retryable reports whether a request failing with e may succeed when
// repeated unchanged. Verification failures never are.
func (e ErrorCode) Retryable() bool {
	return e == ErrStorageFailure || e == ErrRateLimited
}

// CodeOf classifies err. Errors that are, or wrap, an ErrorCode keep
// that code; known errors of the lower layers are mapped to theirs.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ReqSuccess
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	switch {
	case errors.Is(err, merkletree.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, merkletree.ErrAlreadyExists):
		return ErrAlreadyExists
	case errors.Is(err, merkletree.ErrMissingRevision):
		return ErrMissingRevision
	case errors.Is(err, keystore.ErrInvalidKeyStore):
		return ErrInvalidKeyContainer
	case errors.Is(err, keystore.ErrInvalidKIS):
		return ErrInvalidIntegrationSignature
	case errors.Is(err, merkletree.ErrConcurrentCommit), kv.IsStorageError(err):
		return ErrStorageFailure
	case errors.Is(err, merkletree.ErrInvalidIndex),
		errors.Is(err, merkletree.ErrMalformedBitString),
		errors.Is(err, sign.ErrMalformedSignature):
		return ErrMalformedMessage
	}
	return ErrInternalServer
}
