// Package storage owns the persistent data model and the sqlite-backed
// gorm handle shared by all services.
//
// Every mutation to raids, participants or jobs runs inside a gorm
// transaction scoped to exactly one raid (or one job). No service caches
// roster or job state between operations; authoritative state is always
// re-read inside the transaction.
package storage
