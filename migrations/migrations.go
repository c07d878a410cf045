// Package migrations embeds the SQL schema migrations applied by cmd/migrate
// and the integration test harness. Files follow the golang-migrate naming
// convention: NNNNNN_name.up.sql / NNNNNN_name.down.sql.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
