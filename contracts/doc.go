// Package contracts provides the message envelope that flows through the relay.
//
// This package defines:
//   - Message: the {data, meta} envelope published to and consumed from queues
//   - Meta: request id and retry bookkeeping carried next to the payload
//   - MessageType: a named JSON Schema used to decode and validate messages
//   - Result: the outcome a consumer returns for a message
//
// The wire format is subtype-agnostic JSON. The receiving queue's declared
// MessageType decides how a payload is decoded and validated.
package contracts
