/*
Package manager is the control plane: it owns every task, the
authoritative node registry, one relation manager per task, and the
per-node log files.

Status has exactly one writer. Workers and operators call
UpdateNodeStatus (or the explicit cancel/complete/force-start
operations), which updates the registry, timestamps terminal
transitions, persists the record, and then syncs the TRM's rendering
copy. Read paths join TRM structure with registry status; they never
read status from the TRM.

The reconcile loop is the single background repair mechanism. On each
tick it scans non-terminal nodes' log files for the completion marker
and promotes matches to completed through the same one-writer path.

Restart never mutates: restarting a task creates a new task with the
same spec, and restarting a node creates a new sibling node with an
improved description. Terminal records stay as audit history.
*/
package manager
