// Package telemetry bundles the logger, Prometheus metrics, OpenTelemetry
// tracer and event publisher a doppler run reports through.
package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Telemetry groups the telemetry components of one run.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	sink *MQTTSink
}

// New builds every component from cfg. A configured MQTT broker that
// cannot be reached is logged and skipped; the run does not depend on it.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}

	if cfg.Events.Enabled && cfg.Events.MQTT.Broker != "" {
		sink := NewMQTTSink(cfg.Events.MQTT)
		if err := sink.Connect(); err != nil {
			log.Warn().Err(err).Str("broker", cfg.Events.MQTT.Broker).Msg("mqtt event sink unavailable")
		} else {
			t.sink = sink
			t.Events.Subscribe(sink.Handle)
		}
	}

	return t, nil
}

// NopTelemetry returns telemetry that records nothing, for tests and dry runs.
func NopTelemetry() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	metrics, _ := NewMetrics(cfg.Metrics)
	return &Telemetry{
		Logger:  Nop(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}
}

// Shutdown stops every component, events first so their delivery is not
// cut short by the sink disconnecting.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.sink != nil {
		t.sink.Disconnect()
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
