package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := initTracer(context.Background(), "nanogen-test", "stdout", "", &buf)
	if err != nil {
		t.Fatalf("initTracer failed: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "ledger.try_debit")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ledger.try_debit") || !strings.Contains(out, "nanogen-test") {
		t.Errorf("expected exported span with service name, got %s", out)
	}
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	if _, err := initTracer(context.Background(), "x", "zipkin", "", nil); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
