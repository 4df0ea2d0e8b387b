/*
Package metrics provides Prometheus metrics collection for swarmsh.

Metrics are registered at package init the same way the teacher's
metrics package does it (var block of prometheus.New*, MustRegister in
init), but the metric set itself is swarm-domain: agent counts by team
and status, work item counts by status and priority, claim latency,
control loop cycle durations, and journal sizes, rather than container
or Raft cluster metrics. swarmsh never starts its own HTTP server (spec
§6); Handler() is exposed for an operator who wants to mount the scrape
endpoint behind their own.

Collector periodically snapshots the state store into these gauges and
into the subsystem readiness tracker (Status/Ready), which the
dashboard CLI command reads directly rather than over an HTTP /health
endpoint.
*/
package metrics
