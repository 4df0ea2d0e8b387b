/*
Package events is swarmsh's in-process publish/subscribe bus for
CoordinationEvent records.

The kernel publishes one event per mutation (register, claim,
progress, complete, fail, reassign, ...) after it durably appends the
event to the coordination log. A subscriber picks these up without
re-reading the journal; no package in this repository subscribes, so
the worker runtime and control loops read the store directly. A full
subscriber buffer drops events rather
than blocking the kernel; the coordination log remains the durable
source of truth (spec §4.6), the broker only a best-effort fan-out.
*/
package events
