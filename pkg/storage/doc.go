/*
Package storage implements SwarmSH's state store and atomic mutator.

Three tables are persisted as JSON documents (agents.json,
work_claims.json, coordination_log.json) plus two newline-delimited
journals (telemetry_spans.jsonl, fast_path_claims.jsonl) and a single
latest health report (system_health_report.json). Every mutation goes
through WithAgents/WithWorkItems/WithEvents, which acquire a table-scoped
exclusive lock, read the current snapshot, invoke the caller's function,
and write the result back via a temp file plus atomic rename. Reads
never lock: a reader that races a writer either sees the file before or
after the rename, never a partial write.

Locking defaults to advisory per-table file locks (github.com/gofrs/flock).
A documented fallback mode rereads the table at commit time and fails
with a contention error if it changed underneath the caller, for hosts
without advisory locking; Store.LockMode reports which mode is active.
*/
package storage
