/*
Package scheduler provides the bounded worker pool and the staggered batch
dispatcher used for branching.

Every task's root runs on one pool worker, and branching parents submit
their children back onto the same pool. Pool size caps runtime
parallelism; the LLM gateway's semaphore remains the binding resource.

Dispatch submits children in small batches with a fixed wall-clock pause
between batches. The model vendor's request-per-minute quota is the
dominant failure mode, and staggering keeps sibling start-up bursts from
tripping it.
*/
package scheduler
