// Package migrations embeds the task store's schema migrations. The task
// store is versioned independently of the primary mirror.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
