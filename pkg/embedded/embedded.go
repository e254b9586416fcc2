// Package embedded provides assets compiled into the binary.
package embedded

import (
	"embed"
)

// Schemas contains the SQL schema for every database, one file per database name:
// - schemas/market_schema.sql - securities, trading calendar, daily bars, adjustment factors
// - schemas/cache_schema.sql  - ephemeral presence matrix snapshots
//
//go:embed schemas/*.sql
var Schemas embed.FS
