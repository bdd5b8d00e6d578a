/*
Package node implements the task node: the state machine that takes one
unit of work from pending to a terminal status.

A node first collects context (replan hints, upper-chain advice, the
credential chain) and asks the planner whether the task needs
decomposition. A multi-task plan branches: children are registered in the
TRM and the task manager, then dispatched on the shared pool in staggered
batches, and their summaries are aggregated in plan order. A single-task
plan executes directly: the executor loop runs up to the retry budget,
with the critic gating completion and the digester producing the summary.

Failure handling is layered. The planner degrades to a single-task plan on
any failure, with a circuit breaker that stops calling the model after
repeated consecutive failures. Direct execution retries with augmented
advice, then raises impossible. A branching parent replans up to its
budget when a child raises impossible, removing the failed subtree first.
Cancellation is cooperative and checked at entry, per attempt, and per
executor iteration.
*/
package node
