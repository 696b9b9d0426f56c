// Package migrations carries the PostgreSQL schema compiled into the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
