// Package migrations embeds the versioned SQL applied to each tenant schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
