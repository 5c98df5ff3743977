// Package migrations embeds the SQL schema migrations so the server binary can apply them
// without a migrations directory on disk.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS
