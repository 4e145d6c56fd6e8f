// Package stores persists run history in SQLite: one row per run, one row
// per stage result and an append-only event log. Schema migrations are
// embedded and applied with golang-migrate.
package stores
