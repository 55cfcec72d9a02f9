// Package directory resolves (participant pair, product) triples to
// conversation identities.
//
// The product page is the chat entry point, so the pair+product composite
// key is the natural dedup key: re-opening the same product's chat always
// lands in the same conversation. Find-or-create relies on the store's
// uniqueness constraint rather than read-then-write: two users opening
// the same chat simultaneously converge on one id, never two.
//
// The directory also owns the inbox summary stream: ListFor replays the
// caller's conversations newest-first and then pushes a fresh Summary on
// every append, for as long as the subscription context lives.
package directory
