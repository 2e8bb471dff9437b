// Package registry tracks which connections belong to which sync session.
//
// Membership lives entirely in a Store. The Registry never locks anything in
// process: joins go through a create-if-absent / append-if-absent pair and
// removals through a length-guarded compare-and-swap with a single retry.
// Removal is advisory. Delivery failure, not membership, decides whether a
// connection is alive, so a stale member left behind by an abandoned removal
// is pruned the next time a delivery to it fails or when the session expires.
//
// Two Store implementations are provided: memorystore for single-process
// deployments and tests, and redisstore for deployments where several relay
// processes share sessions.
package registry
