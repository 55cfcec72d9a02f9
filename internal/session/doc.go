// Package session is the facade the UI collaborator talks to: it
// composes the conversation directory, the message log and the presence
// tracker into open-chat and inbox operations, adding bounded retry with
// backoff for transient store failures. It introduces no storage or
// invariants of its own.
package session
