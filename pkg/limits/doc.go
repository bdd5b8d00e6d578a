/*
Package limits holds the process-wide execution limits: every kill-switch
threshold, retry budget, timeout, and concurrency cap used by the
orchestrator.

Limits are loaded from environment variables at boot (Init), optionally
overlaid from a YAML file (FromFile), and replaceable at runtime with Set.
Readers always take a consistent snapshot via Get; a replaced record takes
effect at each component's next read, so long-running loops pick up new
thresholds between iterations rather than mid-flight.
*/
package limits
