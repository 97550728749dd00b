package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersConcurrentUse(t *testing.T) {
	before := testutil.ToFloat64(KeepalivesSent)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(open bool) {
			defer wg.Done()
			SetConnected(open)
			CountConnection("opened")
			CountMessage()
			CountDropped("malformed")
			CountKeepalive()
			CountUpload("ok")
			ObserveResolve("sock", nil, time.Millisecond)
		}(i%2 == 0)
	}
	wg.Wait()

	if got := testutil.ToFloat64(KeepalivesSent) - before; got != 8 {
		t.Errorf("keepalive delta = %v, want 8", got)
	}
}

func TestObserveResolve(t *testing.T) {
	okBefore := testutil.ToFloat64(ResolveRequests.WithLabelValues("meta", "ok"))
	errBefore := testutil.ToFloat64(ResolveRequests.WithLabelValues("meta", "error"))

	ObserveResolve("meta", nil, 10*time.Millisecond)
	ObserveResolve("meta", errors.New("boom"), 10*time.Millisecond)
	ObserveResolve("meta", nil, 10*time.Millisecond)

	if got := testutil.ToFloat64(ResolveRequests.WithLabelValues("meta", "ok")) - okBefore; got != 2 {
		t.Errorf("ok delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ResolveRequests.WithLabelValues("meta", "error")) - errBefore; got != 1 {
		t.Errorf("error delta = %v, want 1", got)
	}
}

func TestSetConnected(t *testing.T) {
	SetConnected(true)
	if got := testutil.ToFloat64(ConnectedGauge); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
	SetConnected(false)
	if got := testutil.ToFloat64(ConnectedGauge); got != 0 {
		t.Errorf("gauge = %v, want 0", got)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info().Msg("hidden")
	logger.Warn().Str("channel", "alice").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "shown" || entry["channel"] != "alice" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNewLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "verbose", "")

	logger.Debug().Msg("debug")
	logger.Info().Msg("info")

	if strings.Contains(buf.String(), `"message":"debug"`) {
		t.Errorf("debug line logged at info level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"message":"info"`) {
		t.Errorf("info line missing: %q", buf.String())
	}
}

func TestSetupTracingNoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("CHATRELAY_OTEL_ENDPOINT", "")
	t.Setenv("CHATRELAY_OTEL_ENABLED", "")

	shutdown, err := SetupTracing(context.Background(), "chatrelay-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupTracingNoopWhenDisabled(t *testing.T) {
	t.Setenv("CHATRELAY_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("CHATRELAY_OTEL_ENABLED", "false")

	shutdown, err := SetupTracing(context.Background(), "chatrelay-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartSpanRecordError(t *testing.T) {
	_, span := StartSpan(context.Background(), "test.span")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()
}

func TestCountUpload(t *testing.T) {
	before := testutil.ToFloat64(Uploads.WithLabelValues("retry"))
	CountUpload("retry")
	CountUpload("retry")

	if got := testutil.ToFloat64(Uploads.WithLabelValues("retry")) - before; got != 2 {
		t.Errorf("retry delta = %v, want 2", got)
	}
}
