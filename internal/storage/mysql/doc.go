// Package mysql opens the shared MySQL connection pool and applies the
// embedded schema migrations used by the module, ledger, memory and telemetry
// stores.
package mysql
