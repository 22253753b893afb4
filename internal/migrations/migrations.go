// Package migrations contains the PocketBase Go migrations for the
// devicelink collections: audit_logs, app_settings and the seeded
// cli/transfer settings groups.
//
// All migration files use init() to register with the PocketBase migration runner.
// The package must be blank-imported in main.go:
//
//	_ "github.com/websoft9/devicelink/internal/migrations"
package migrations
