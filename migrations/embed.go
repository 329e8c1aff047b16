package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically, one directory per driver.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
