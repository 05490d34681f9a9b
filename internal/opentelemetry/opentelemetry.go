package opentelemetry

import (
	"context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var DefaultMeter = otel.Meter("org.cirruslabs.cloudmirror")

// Init installs a Prometheus-backed meter provider as the global one.
//
// The metrics end up in the default Prometheus registry and are served
// by the HTTP server's /metrics endpoint.
func Init(ctx context.Context) (metric.MeterProvider, func(), error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	otel.SetMeterProvider(meterProvider)

	deinit := func() {
		_ = meterProvider.Shutdown(ctx)
	}

	return meterProvider, deinit, nil
}
