// Package migrations embeds the MySQL schema for the record store.
package migrations

import "embed"

// Files holds every versioned SQL migration, applied in file name order.
//
//go:embed *.sql
var Files embed.FS
