/*
Package log configures swarmsh's process-wide zerolog logger and hands
out component-scoped child loggers (spec §9's ambient logging stack).

Init sets the global level and output format (JSON for production,
console for local use) once at the CLI entrypoint. WithComponent,
WithAgentID, WithWorkID, and WithTraceID attach the corresponding
field to a child logger so every log line from the kernel, a control
loop, or a worker carries the identifiers needed to correlate it with
a coordination event or telemetry span.
*/
package log
