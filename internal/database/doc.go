// Package database opens the PostgreSQL pool backing the user directory.
//
// The bridge only reads from it: one row per user mapping a user id to the
// sprite that serves them. See internal/directory for the queries.
package database
