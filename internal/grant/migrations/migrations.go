// Package migrations embeds the grant store schema.
package migrations

import "embed"

// FS holds the SQL migrations, applied in file name order.
//
//go:embed *.sql
var FS embed.FS
