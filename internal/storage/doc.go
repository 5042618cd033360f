// Package storage persists what the notification daemon needs across restarts.
//
// It currently supports:
//   - The identity/preference gateway tables (users, preferences)
//   - Dedup state mirrored from the in-memory cache, in SQLite or Redis
package storage
