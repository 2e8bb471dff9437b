// Package protocol defines the JSON messages exchanged between sync clients
// and the relay.
//
// Clients send an Envelope:
//
//	{"action":"register"}
//	{"action":"register","session":"S1"}
//	{"action":"broadcast","session":"S1","data":{"type":"sync","content":{}}}
//	{"action":"request","session":"S1"}
//
// Decode turns an envelope into one of the Request variants or an error
// wrapping ErrMalformed. The broadcast payload is never inspected; it is
// relayed to the other members byte for byte.
//
// The relay sends back a Registered acknowledgment for register, forwards
// broadcast payloads verbatim, and sends {"type":"request"} to the single
// member chosen to answer a sync request.
package protocol
