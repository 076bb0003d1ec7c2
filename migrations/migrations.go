// Package migrations embeds the SQL schema so the migrate command needs no
// files on disk at deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
