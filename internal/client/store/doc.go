// Package store is the device's durable local store.
//
// # Overview
//
// A single SQLite file (modernc.org/sqlite, no cgo) holds every collection
// the device works with offline: record headers, finalized payloads, drafts,
// projects, photos, the cached user profile, archive listings, the local
// deletion blocklist and a small key/value flag table.
//
// # Access
//
// Callers never hold a database handle. Every operation goes through the
// Store, which validates its cached handle with a short read transaction,
// reopens when the handle was closed underneath it, bounds each open attempt
// with a timeout (ErrConnectionTimeout) and retries an open that is blocked
// by another connection exactly once (ErrConnectionBlocked). An operation
// whose handle turns out to be closed mid-flight is retried once on a fresh
// handle.
//
// Failures are returned as *common.StoreError wrapping one of
// common.ErrNotFound, common.ErrStoreNotFound or common.ErrTransactionFailed.
//
// # Schema
//
// Schema upgrades are embedded goose migrations applied on every open. They
// are additive and create objects only when missing, so reopening an
// up-to-date file is a no-op.
//
// # Collections
//
// Collection[T] provides get, get-all, put, delete and clear for one entity
// type stored as JSON, plus lookups on the indexed columns declared for it.
// Operations spanning several collections (hard delete, legacy import,
// payload merge commits) run in one transaction.
//
// Typical usage:
//
//	st := store.New(store.Options{Path: "data/fieldsync.db"}, logger)
//	defer st.Close()
//	_ = st.Records().Put(ctx, &models.Record{ID: id, Title: "Site visit"})
//	photos, _ := st.Photos().ByRecord(ctx, id)
package store
