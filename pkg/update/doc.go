// Package update defines the Update value published through the hub.
//
// An Update is one published event:
//   - ID: unique event id, caller-supplied or generated by the hub
//   - Topics: the resource identifiers the update is published under (at least one)
//   - Targets: authorization labels restricting who may receive it (nil = public)
//   - Type, Retry: SSE event type and reconnection hint
//   - Data: the opaque payload, kept byte-for-byte
//
// Updates are immutable once constructed. Two encodings are provided:
//
//	// Lossless binary encoding, used by the shared history and fan-out channel
//	raw, err := u.Marshal()
//	decoded, err := update.Unmarshal(raw)
//
//	// Wire event for a Server-Sent Events connection
//	_, err = u.WriteEvent(w)
package update
