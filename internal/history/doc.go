// Package history archives scenario results in a bbolt database.
//
// Each run is stored under a monotonically increasing sequence number, so
// listing newest-first is a reverse cursor walk.
package history
