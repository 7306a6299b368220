// Package db embeds the Barrel schema migrations.
package db

import "embed"

// Migrations holds the numbered DDL files, applied in lexical order. Each
// file must be idempotent since every start re-applies all of them.
//
//go:embed migrations/*.sql
var Migrations embed.FS
