/*
Package graph implements the 4-neighbor directional graph that backs each
task's decomposition tree.

Every node has four neighbor slots (Up, Down, Left, Right). Edges are
always installed in pairs: setting A.Down = B also sets B.Up = A. Down/Up
edges form a tree; Left/Right edges chain siblings under a common parent.
Only the head of a sibling chain carries an Up edge, so GetParent walks
Left to the chain head before looking Up.

All operations lock internally; traversal results are consistent snapshots.
*/
package graph
