// Package message owns the append-only per-conversation message log.
//
// Append is the only writer of message content, so there is no
// concurrent-write conflict on a single message. Every append is durably
// stored before any subscriber sees it, and subscribers receive messages
// strictly in append order: Subscribe replays the stored log, then
// streams live appends, with the two stitched together by the store's
// per-conversation sequence numbers.
//
// Seen state flips exactly once (false to true) when the receiver opens
// the conversation; MarkSeen is a batched conditional update, safe to run
// concurrently with new appends.
package message
