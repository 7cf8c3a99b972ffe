// Package stream converts the vendor's raw, line-oriented response stream
// into ordered chat-completion chunks.
//
// The pipeline composes five pieces: a chunk aggregator that stabilizes
// transport reads at newline boundaries, an incremental JSON parser that
// reassembles objects spanning arbitrary fragments, a path-index tracker
// that deduplicates and orders the backend's concurrent text channels, a
// diff-block handler that keeps fenced search/replace spans atomic, and a
// formatter that builds the outgoing OpenAI-style frames.
//
// A Processor and its sub-components hold per-request state and are not
// safe for concurrent use; construct one per request and discard it when
// the stream completes.
package stream
