// Package history provides interfaces for the hub's append-only update log.
//
// A History does two things at once:
//   - it appends every pushed Update to an ordered log used to replay missed
//     updates to reconnecting subscribers
//   - it notifies the hub of every new Update through the Updates channel
//
// Two backends exist: an in-memory log for a single instance, and a Redis
// backed log shared by every instance of a cluster.
//
// Example usage:
//
//	if err := h.Start(ctx); err != nil {
//		return err
//	}
//	defer h.Close()
//
//	go func() {
//		for u := range h.Updates() {
//			fanOut(u)
//		}
//	}()
//
//	if err := h.Push(ctx, u); err != nil {
//		return err
//	}
//
//	missed, err := h.FindFor(ctx, subscriber)
//
// Start must return before a Push is guaranteed to be observed on Updates.
package history
