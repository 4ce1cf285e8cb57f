// Package cli provides the fieldsync device agent.
//
// It wires configuration, the local store, the remote source, the
// cross-session notice bus, the page feed and the sync coordinator. The
// run command keeps the agent connected and offers an interactive shell
// for editing records; the remaining commands are one-shot maintenance
// tasks against the local store.
package cli
