// Package migrations provides embedded SQL migration files.
// They are applied by db.Migrate, from `elevsync migrate` and from testutil.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
