// Package rpc describes the gateway gRPC service shared by the device agent
// and the gateway server. Messages travel as google.protobuf.Struct values
// and are mapped to the Go types of this package by Encode and Decode.
package rpc
