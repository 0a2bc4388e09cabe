// Package store defines the event persistence contract consumed by the
// delivery engine, together with three implementations: an in-memory store
// for development and tests, a PostgreSQL store backed by pgx, and a Redis
// store.
//
// The store is what makes delivery durable: persistent events survive
// process restarts and recipient downtime, failed events remain retrievable
// through ListPending, and broadcast events keep independent per-recipient
// read state even though each is stored exactly once.
package store
