// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so secrets (JWT secret, sprite token, proxy token, database password) stay out of
// the file itself.
package config
