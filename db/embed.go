// Package db embeds the SQL schema applied by the server and the tools on
// startup.
package db

import _ "embed"

// Schema creates every table and index if missing. It is safe to apply more
// than once.
//
//go:embed migrations/001_schema.sql
var Schema string
