// Package storage is the document store the dispatcher reads and writes.
//
// It is SQLite-backed and holds:
//   - users and orders (owned by other systems; read-mostly here)
//   - notification requests (the request ledger rows)
//   - the append-only notification audit log
//   - dedup keys used to suppress redelivered order events
//   - a change log fed by SQL triggers, consumed by the trigger feed
//   - daily analytics rows
package storage
