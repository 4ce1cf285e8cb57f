// Package config loads the device agent's settings.
//
// Sources & precedence
//
//  1. Built-in defaults (see Defaults).
//  2. Optional config file given with -c/--config. The format follows the
//     extension: .json, .yaml/.yml or .toml.
//  3. Command-line flags set explicitly, which override earlier values.
//
// Durations in files accept strings like "3s" or integer nanoseconds:
//
//	server_endpoint_addr: 127.0.0.1:50051
//	online_check_interval: 3s
//	fetch_delay_min: 500ms
//	fetch_delay_max: 800ms
package config
