// Package dispatch runs agent turns for conversations and delivers their
// replies as ordered outbound blocks.
//
// # Lanes
//
// Every conversation key owns a lane: a mailbox of closures executed one at
// a time. Submit, Enqueue, Abort and run completion are all lane messages,
// so at most one run is active per conversation while unrelated
// conversations proceed in parallel.
//
// # Run pipeline
//
//	agent.Runner -> typing.Signaler
//	             -> directive.Accumulator -> reply.Coalescer -> outbox
//	outbox       -> reply.ReferencePlanner -> Channel.Deliver
//
// The outbox delivers blocks sequentially in flush order on the engine
// context, optionally paced by a rate limiter. The next queued turn starts
// only after the outbox drained.
//
// # Stopping
//
// Abort cancels the active run, clears the followup queue and records
// aborted_last_run in the session store. Buffered text is still flushed
// and delivered. A run timeout is handled the same way except that the
// queue is kept.
//
// # Lifecycle feed
//
// Subscribe returns run_started, queued, block_delivered, delivery_failed,
// run_finished and aborted events for one conversation, or for all of them
// with an empty key. Slow subscribers drop events rather than block runs.
package dispatch
