/*
Package types defines swarmsh's coordination data model: agents, work
items, coordination events, telemetry spans, and the health report
snapshot (spec §3).

# Core types

  - Agent: an autonomous worker process and its lifecycle status
  - WorkItem: a claimable unit of work and its lifecycle status
  - CoordinationEvent: one append-only record of a state transition
  - TelemetrySpan: one OpenTelemetry-shaped observability record
  - HealthReport: the health scan control loop's latest snapshot

Every type here is a plain struct with JSON tags; pkg/storage persists
them directly as JSON table rows or newline-delimited journal lines.
No type in this package depends on pkg/kernel, pkg/storage, or
pkg/control — it is the shared vocabulary every other package imports.
*/
package types
