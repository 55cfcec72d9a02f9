// Package store provides persistence for conversations, messages and
// presence records.
//
// # Data model
//
// A Conversation is a thread between exactly two users scoped to one
// product. The participant pair is stored sorted, and the
// (participant_lo, participant_hi, product_id) triple carries a UNIQUE
// index so create-if-absent is a single conditional insert: the first
// successful insert wins, a losing concurrent creator gets
// ErrDuplicateConversation and recovers by re-lookup.
//
// Messages form an append-only per-conversation log. The store assigns a
// dense per-conversation sequence number inside the append transaction;
// seq is the sole ordering key. The same transaction updates the owning
// conversation's last_message/last_updated, so the conversation summary
// can never disagree with the log.
//
// PresenceRecords are one-per-user and overwritten on every transition.
// UpsertPresence is conditional on the record's LastChanged timestamp
// (last-write-wins), which silently discards late offline writes for a
// user who has already reconnected.
//
// # Errors
//
//   - ErrNotFound: the entity does not exist
//   - ErrDuplicateConversation: the (pair, product) key is taken
//   - ErrStoreUnavailable: transient busy/locked condition, retryable
package store
