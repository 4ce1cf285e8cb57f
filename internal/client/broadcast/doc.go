// Package broadcast is the cross-tab notification bus. It only carries
// change notices between sessions of the same device; it owns no data and
// gives no delivery or ordering guarantees beyond its channel's.
package broadcast
