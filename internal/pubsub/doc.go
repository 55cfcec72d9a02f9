// Package pubsub provides a generic in-memory fan-out broker used for
// pushing messages, conversation summaries, and presence transitions to
// live subscribers. Delivery never blocks the publisher: a subscriber
// whose buffer is full drops events and is expected to resubscribe with
// replay to recover.
package pubsub
