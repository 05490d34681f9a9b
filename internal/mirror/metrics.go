package mirror

import (
	"context"
	"github.com/alecthomas/units"
	"github.com/cirruslabs/cloudmirror/internal/opentelemetry"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	copyDurationHistogram metric.Int64Histogram
	copySizeHistogram     metric.Int64Histogram
	copySpeedHistogram    metric.Int64Histogram

	cacheHitCounter              metric.Int64Counter
	cacheMissCounter             metric.Int64Counter
	backfillCounter              metric.Int64Counter
	alreadyLockedCounter         metric.Int64Counter
	contentLengthMismatchCounter metric.Int64Counter
	redirectOriginalCounter      metric.Int64Counter
}

//nolint:funlen // instrument declarations are repetitive by nature
func NewMetrics() (*Metrics, error) {
	metrics := &Metrics{}

	var err error

	metrics.copyDurationHistogram, err = opentelemetry.DefaultMeter.Int64Histogram(
		"org.cirruslabs.cloudmirror.copy-duration-ms",
	)
	if err != nil {
		return nil, err
	}

	metrics.copySizeHistogram, err = opentelemetry.DefaultMeter.Int64Histogram(
		"org.cirruslabs.cloudmirror.copy-size-bytes",
		metric.WithExplicitBucketBoundaries(
			1*float64(units.MB),
			10*float64(units.MB),
			100*float64(units.MB),
			500*float64(units.MB),
			1*float64(units.GB),
			5*float64(units.GB),
			10*float64(units.GB),
		),
	)
	if err != nil {
		return nil, err
	}

	metrics.copySpeedHistogram, err = opentelemetry.DefaultMeter.Int64Histogram(
		"org.cirruslabs.cloudmirror.copy-speed-kbps",
	)
	if err != nil {
		return nil, err
	}

	metrics.cacheHitCounter, err = opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.cache-hit",
	)
	if err != nil {
		return nil, err
	}

	metrics.cacheMissCounter, err = opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.cache-miss",
	)
	if err != nil {
		return nil, err
	}

	metrics.backfillCounter, err = opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.backfill",
	)
	if err != nil {
		return nil, err
	}

	metrics.alreadyLockedCounter, err = opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.concurrent-copy.already-locked",
	)
	if err != nil {
		return nil, err
	}

	metrics.contentLengthMismatchCounter, err = opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.content-length-mismatch",
	)
	if err != nil {
		return nil, err
	}

	metrics.redirectOriginalCounter, err = opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.redirect-original",
	)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

// RedirectOriginal counts redirects that fell back to the original URL
// because no cached copy materialised in time.
func (metrics *Metrics) RedirectOriginal(ctx context.Context) {
	metrics.redirectOriginalCounter.Add(ctx, 1)
}
