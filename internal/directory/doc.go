// Package directory maps authenticated user ids to the sprite that serves
// them.
//
// Two implementations exist: Static, built from the config file for local
// development, and Postgres, which reads the users table through a pgx pool.
package directory
