// Package telemetry provides logging, tracing, metrics and run events for
// ironic-pxe.
//
// Structured logging uses zerolog, traces use OpenTelemetry with an OTLP
// gRPC or stdout exporter, and metrics are Prometheus collectors on a
// private registry. Run events emitted by the converger go through an
// EventBus that fans them out to sinks, typically the SQLite run store and
// the log.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9100"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.ShutdownWithTimeout(5 * time.Second)
//
//	if _, err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
//	tel.Events.Subscribe("store", store, nil)
//	conv := engine.NewConverger(registry, tel.ConvergerOptions()...)
//
// # Metrics
//
// All metrics live under the configured namespace (ironic_pxe by default):
//
//   - runs_started_total{host}, runs_completed_total{status},
//     run_duration_seconds{status}, active_runs
//   - intents_converged_total{kind,status}, intent_duration_seconds{kind}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//   - drift_detections_total{kind,status}
//   - policy_violations_total{policy,severity}
//   - tftp_probes_total{status}, tftp_probe_duration_seconds{status}
//
// Metrics implements engine.MetricsRecorder. A disabled Metrics is a no-op.
//
// # Tracing
//
// When tracing is enabled the provider is installed globally, so the
// converger's engine.converge and engine.converge_intent spans become
// children of the host span started by the CLI.
package telemetry
