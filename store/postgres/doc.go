// Package postgres implements the store using pgx/v5 with raw SQL.
// Run context, template DSL, trigger rules, and log metadata live in
// JSONB columns; migrations are embedded SQL files.
package postgres
