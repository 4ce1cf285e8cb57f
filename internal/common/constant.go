// Package common contains shared constants and sentinel errors used across
// fieldsync components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// SessionHeaderName carries the originating session id so the gateway can
// stamp rows and broadcasts with their author.
const SessionHeaderName = "x-session-id"
