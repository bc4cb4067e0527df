package observability_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/cassiomorais/payflow/internal/infrastructure/observability"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestInitLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.InitLogger("warn", "json", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInitLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.InitLogger("debug", "console", &buf)

	logger.Debug().Str("payment_id", "p-1").Msg("charging")

	out := buf.String()
	assert.Contains(t, out, "charging")
	assert.Contains(t, out, "payment_id")
	assert.Contains(t, out, "p-1")
	assert.NotContains(t, out, `"message"`)
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.InitLogger("info", "json", &buf)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	traced := observability.LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	assert.Contains(t, buf.String(), `"trace_id":"01000000000000000000000000000000"`)
	assert.Contains(t, buf.String(), `"span_id":"0200000000000000"`)

	buf.Reset()
	plain := observability.LoggerWithTrace(context.Background(), logger)
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}
