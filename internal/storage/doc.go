// Package storage is the persistence layer behind the dashboard pipeline.
//
// It owns five tables:
//   - connections (primary key connection_id, index on user_email)
//   - tutor/student assignments
//   - user profiles (the user directory)
//   - session activity
//   - the durable delivery queue
//
// Drivers: "memory" (tests, single process), "sqlite" and "postgres".
package storage
