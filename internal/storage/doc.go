// Package storage keeps an append-only journal of task lifecycle events.
//
// Pending wheel tasks are never persisted; the journal only records what
// happened to them (submitted, fired, finished, failed) for operators.
package storage
