package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
)

func TestDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("noop provider should produce invalid span contexts")
	}
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{Enabled: true, Exporter: "stdout"}, stdouttrace.WithWriter(&buf))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := Start(context.Background(), "bridge.generate_token", attribute.String("pathway_id", "p1"))
	End(span, errors.New("chain down"))
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "bridge.generate_token") {
		t.Fatalf("span not exported: %s", buf.String())
	}
	_, _ = Setup(context.Background(), Config{})
}

func TestUnsupportedExporter(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Fatalf("expected error")
	}
}
