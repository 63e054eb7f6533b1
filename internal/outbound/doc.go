// Package outbound turns logical messages into durable, deduplicated
// messages_out rows and drains them into the chat transport.
//
// Enqueue splits content longer than the chunk limit into fixed rune
// windows. With a dedupe key K, chunk i of n is keyed "K:i/n" (1-based), so
// a retried enqueue deduplicates chunk by chunk. A message that fits in one
// chunk keeps K verbatim.
package outbound
