/*
Package trm implements the Task Relation Manager: the per-task owner of
the decomposition graph and its diagram artifact.

One Manager exists per task. It assigns node ids, links children as a
Down edge plus a Right sibling chain, and answers the semantic queries
nodes need while planning: upper-chain advice (parent abstract plus
completed previous steps) and the credential chain (prior nodes whose
abstract suggests harvested secrets).

Every structural change redraws a Mermaid diagram to the task's graph
file. The status stored here is only a rendering copy; the task manager's
node registry is authoritative.
*/
package trm
