// Package relay delivers sync messages to the members of a session.
//
// A Relay never tracks liveness itself. It asks the registry for the current
// members, posts to each through an Endpoint and treats an ErrGone result as
// the authoritative signal that a member has disconnected, pruning it from
// the session. Other delivery failures are logged and dropped: there is no
// retry queue and no redelivery.
//
// Two Endpoint implementations live in sub-packages: gateway, which serves
// websocket clients attached to this process, and callback, which posts to an
// external connection-management API.
package relay
