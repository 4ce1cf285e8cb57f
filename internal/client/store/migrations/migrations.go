// Package migrations embeds the local store schema history.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
