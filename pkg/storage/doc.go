/*
Package storage provides BoltDB-backed persistence for Taskforge's task
archive.

The storage package implements the Store interface using BoltDB as the
underlying database. Task and node records are serialized as JSON and kept
in separate buckets keyed by their ids:

	┌──────────── BOLTDB ARCHIVE ────────────┐
	│  File: <dataDir>/taskforge.db          │
	│                                         │
	│  tasks   (task id → TaskRecord JSON)    │
	│  nodes   (node id → NodeRecord JSON)    │
	└─────────────────────────────────────────┘

The manager's in-memory maps remain the source of truth while a task runs;
every record mutation is written through to the archive so submitted tasks
and their node histories can be listed after a restart. Reads use db.View
for concurrent access, writes use db.Update for ACID semantics.
*/
package storage
