// Package migrations embeds the ordered SQL schema files so the runner
// works regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
