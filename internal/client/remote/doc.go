// Package remote provides access to the remote source of truth: the gRPC
// gateway client used in production and an in-memory source for tests and
// offline demos.
package remote
