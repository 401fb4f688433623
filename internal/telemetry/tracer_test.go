package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := InitTracer(&buf, "test")
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	_, span := Tracer("telemetry-test").Start(context.Background(), "unit")
	span.End()
	Shutdown(context.Background(), tp, nil)

	out := buf.String()
	if !strings.Contains(out, `"Name": "unit"`) {
		t.Errorf("exported spans missing span name:\n%s", out)
	}
	if !strings.Contains(out, ServiceName) {
		t.Errorf("exported spans missing service name")
	}
}

func TestShutdownNil(t *testing.T) {
	Shutdown(context.Background(), nil, nil)
}
