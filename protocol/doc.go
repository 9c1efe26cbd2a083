/*
Package protocol defines the messages exchanged between key directory
clients and servers, and between federated directories.

Error

This module defines the error codes a directory returns, and CodeOf,
which maps the errors of the lower layers (merkletree, keystore,
storage) to them. Codes survive a round trip between directories, so a
caller can tell a missing entry from a failed remote verification.

Message

This module defines the request envelope and the request and response
payloads for key lookups, registrations, history queries and
cosigning. Every payload that crosses a domain boundary carries the
signatures and hash chain fields needed to verify it independently.

Encoding

This module encodes and decodes messages. Messages are JSON; the
response payload is decoded according to the request type.
*/
package protocol
