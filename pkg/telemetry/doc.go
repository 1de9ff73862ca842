// Package telemetry provides observability instrumentation for HealLoop.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus) and an audit event publisher
// into one bundle that every component receives at construction time.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components take a *Telemetry and fall back to telemetry.NewNop() when
// handed nil, so library callers and tests never need to configure it.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("sandbox").WithSessionID(id)
//	logger.Info("sandbox booted")
//	logger.WithError(err).Warn("install timed out, continuing degraded")
//
// # Tracing
//
// Pipeline stages and execution attempts each get a span:
//
//	ctx, span := tel.Tracer.StartStageSpan(ctx, sessionID, "install")
//	defer span.End()
//
// # Metrics
//
// Counters cover sandbox transitions, install attempts, pain signals, heal
// decisions and execution retries. They are registered on a private
// registry and exposed with Metrics.Handler, either on the HTTP server or
// through StartMetricsServer.
//
// # Events
//
// EventPublisher delivers audit events to subscribers in publish order.
// The CLI subscribes the SQLite store so heal requests and signals are
// persisted:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    logger.WithField("event", e.Type).Debug(e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
