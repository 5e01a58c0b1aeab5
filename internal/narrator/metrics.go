package narrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/storyteller/internal/story"
)

type instruments struct {
	storyResults metric.Int64Counter
	audioResults metric.Int64Counter
	latencyMS    metric.Float64Histogram
}

func newInstruments(meter metric.Meter, logger *slog.Logger) instruments {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	storyResults, err := meter.Int64Counter("storyteller.story.results",
		metric.WithDescription("Story requests by outcome kind"))
	if err != nil {
		logger.Warn("story counter unavailable", slogError(err))
		storyResults, _ = fallback.Int64Counter("storyteller.story.results")
	}
	audioResults, err := meter.Int64Counter("storyteller.audio.results",
		metric.WithDescription("Speech requests by placeholder flag"))
	if err != nil {
		logger.Warn("audio counter unavailable", slogError(err))
		audioResults, _ = fallback.Int64Counter("storyteller.audio.results")
	}
	latencyMS, err := meter.Float64Histogram("storyteller.pipeline.latency_ms",
		metric.WithDescription("End-to-end pipeline latency"),
		metric.WithUnit("ms"))
	if err != nil {
		logger.Warn("latency histogram unavailable", slogError(err))
		latencyMS, _ = fallback.Float64Histogram("storyteller.pipeline.latency_ms")
	}
	return instruments{storyResults: storyResults, audioResults: audioResults, latencyMS: latencyMS}
}

func (i instruments) storyResult(ctx context.Context, kind story.Kind) {
	i.storyResults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (i instruments) audioResult(ctx context.Context, placeholder bool) {
	i.audioResults.Add(ctx, 1, metric.WithAttributes(attribute.Bool("placeholder", placeholder)))
}

func (i instruments) latency(ctx context.Context, pipeline string, d time.Duration) {
	i.latencyMS.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("pipeline", pipeline)))
}
