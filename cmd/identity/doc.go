// Package identity holds the user identity attached to a relay connection
// and the id primitives (ULID) shared by the realtime layer.
//
// Identities are produced by the session validator and are immutable for the
// lifetime of a connection.
package identity
