// Package session stores per-connection session state in Redis: which user a
// connection belongs to, which server instance hosts it, and which
// conversation rooms it has joined. Sessions are ephemeral; they expire on
// TTL and are deleted on disconnect.
package session
