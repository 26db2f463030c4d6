// Package migrations embeds the PostgreSQL schema migration files.
//
// Migrations are applied through golang-migrate (see pkg/store/migrate.go),
// which takes a PostgreSQL advisory lock so that several nodes sharing one
// database can start concurrently without racing on schema changes.
package migrations

import "embed"

// FS contains the SQL migration files, named per the golang-migrate
// convention: {version}_{title}.{up|down}.sql.
//
//go:embed *.sql
var FS embed.FS
