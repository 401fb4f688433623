package conformance

import (
	"testing"
	"time"
)

func TestConformance(t *testing.T) {
	harness, err := NewHarness(Config{FetchTimeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	harness.RunConformanceTests(t)
}
