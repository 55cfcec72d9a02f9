// Package presence tracks each user's online/offline state with
// automatic disconnect detection.
//
// The state machine per user is {online, offline}; an absent record means
// offline. Going online registers a session lease whose existence is the
// pending offline transition: an explicit sign-off cancels it, while a
// severed connection (transport hook or heartbeat expiry via the
// watchdog) applies it. All writes go through a last-write-wins upsert
// keyed on the transition timestamp, so a late offline write from a dead
// session can never clobber a fresh reconnect.
package presence
