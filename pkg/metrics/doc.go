/*
Package metrics provides wardend's Prometheus instrumentation: gauges and
counters registered at package init and updated inline by the pipeline
stages that own them, plus health, readiness and liveness HTTP handlers
(served by wardend at /healthz, /readyz and /livez).

# Metrics

  - warden_queue_depth: current depth of the client queue between the
    acceptor and the dispatcher pool.
  - warden_queue_drops_total: connections dropped because the queue was
    full when the acceptor tried to enqueue.
  - warden_enrollments_total{result}: every terminal outcome of an
    enrollment attempt, labeled accepted / rejected_conflict /
    rejected_auth / rejected_protocol / transport_error.
  - warden_pending_changes{kind}: depth of the pending journal, split
    by insert and remove, sampled by the writer before each flush.
  - warden_writer_flush_duration_seconds: time to drain the pending
    journal and commit it to the keystore file and database.
  - warden_keystore_size: number of non-removed records.
  - warden_cluster_is_master: 1 if this manager node holds mastership.
  - warden_cluster_forwards_total{result}: worker-to-master forwarding
    outcomes.
  - warden_dispatch_duration_seconds: end-to-end handling time for one
    accepted connection.

None of these carry the agent's raw key, password, or request line as
a label value; cardinality stays bounded to fixed result/kind enums.

# Health

RegisterComponent/UpdateComponent record the health of a named
component; HealthHandler, ReadyHandler, and LivenessHandler expose them
over HTTP alongside the metrics Handler. Readiness requires the
keystore, writer, and acceptor components to be registered healthy.
wardend itself registers no component, so its readiness endpoint
reports not_ready.
*/
package metrics
