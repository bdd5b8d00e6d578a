/*
Package metrics exposes Prometheus metrics and the kill-switch counter
ledger for Taskforge.

The Prometheus collectors are registered at init and served by Handler.
Counters is a separate in-process ledger with the same names: it exists
because the per-run summary needs Snapshot and Reset semantics that
Prometheus counters deliberately do not provide. Every Increment feeds
both.
*/
package metrics
