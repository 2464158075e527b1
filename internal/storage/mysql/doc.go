// Package mysql persists the operation journal in MySQL.
// Schema changes live in deploy/migrations and are applied at startup,
// each file in its own transaction, with versions tracked in
// schema_migrations.
package mysql
