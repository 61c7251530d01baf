// Package storage is the persistence layer behind the job queue protocol
// and the tenant registry.
//
// Drivers:
//   - "sqlite": embedded database file (modernc.org/sqlite, pure Go).
//     A single connection serializes writers, so lease is one
//     UPDATE ... RETURNING statement.
//   - "postgres": shared database for replicated dispatchers (pgx stdlib
//     driver). Lease uses FOR UPDATE SKIP LOCKED so idle dispatchers never
//     queue behind busy rows.
//
// All timestamps are stored as unix milliseconds.
package storage
