// Package observability provides OpenTelemetry tracing and metrics for
// the kernel.
//
// Initialize the provider at startup:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "meridian-kernel",
//		OTLPEndpoint: "otel-collector:4317",
//	})
//	defer obs.Shutdown(ctx)
//
// Attach kernel metrics to the event bus:
//
//	metrics, _ := observability.NewKernelMetrics(obs.Meter())
//	bus := eventbus.New(eventbus.WithObserver(metrics))
//
// The RunTimeline subscribes to lifecycle events and keeps a queryable
// in-memory record of what each run did; the SLOTracker turns run and
// phase outcomes into burn-rate compliance numbers.
package observability
