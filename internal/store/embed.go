package store

import "embed"

// migrationFS embeds the numbered SQL migrations so a deployed binary never
// needs migration files on disk.
//
//go:embed migrations/*.sql
var migrationFS embed.FS
