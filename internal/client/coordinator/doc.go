// Package coordinator reconciles a device's local copy with the remote
// source of truth. It turns remote change events, remote broadcasts and
// local bus notices into debounced, single-flight fetch and merge cycles,
// and announces local writes to peers.
package coordinator
