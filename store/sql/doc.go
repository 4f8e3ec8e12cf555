// Package sql provides a relational implementation of loom/store.Store
// using github.com/uptrace/bun.
//
// # Overview
//
// The backend provides:
//
//   - durable persistence of jobs, dependency edges, workers and leases
//   - atomic state transitions via UPDATE ... WHERE with rows-affected checks
//   - idempotent lease completion keyed by (leaseId, outcome)
//   - full attempt history and dead-letter retention
//
// It is compatible with SQLite, PostgreSQL and other bun-supported
// dialects, subject to their transactional guarantees.
//
// # Concurrency model
//
// UpdateJobStatus is a single UPDATE statement guarded by a WHERE clause on
// the expected prior state. IssueLease and CompleteLease run their checks
// and writes inside one transaction, so two callers racing on the same row never both succeed.
// Everything else relies on ordinary transactional isolation.
//
// SQLite users are strongly encouraged to enable WAL mode and configure
// an appropriate busy_timeout; this package does not manage connection
// pooling or database lifecycle beyond InitDB.
package sql
