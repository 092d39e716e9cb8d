package provider

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxfn/fluxfn/pkg/engine"
	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

func testParams(functionID string) engine.FunctionParams {
	return engine.FunctionParams{
		AccountID:      "acc-1",
		SubscriptionID: "sub-1",
		BoundaryID:     "connector",
		FunctionID:     functionID,
	}
}

func testSpec(id string) *engine.FunctionSpec {
	return &engine.FunctionSpec{
		ID:      id,
		Handler: "index.js",
		Files:   map[string]string{"index.js": "module.exports = {}"},
	}
}

func TestDevProvider_CreateFunction(t *testing.T) {
	p := NewDevProvider(nil, zerolog.Nop())
	ctx := context.Background()

	result, err := p.CreateFunction(ctx, testParams("conn-1"), testSpec("conn-1"))
	if err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	if result.Code != 200 {
		t.Errorf("expected build code 200, got %d", result.Code)
	}
	if p.FunctionCount() != 1 {
		t.Errorf("expected 1 hosted function, got %d", p.FunctionCount())
	}

	// Replacing under the same key does not grow the table.
	if _, err := p.CreateFunction(ctx, testParams("conn-1"), testSpec("conn-1")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if p.FunctionCount() != 1 {
		t.Errorf("expected replace to keep 1 function, got %d", p.FunctionCount())
	}
}

func TestDevProvider_CreateFunctionValidation(t *testing.T) {
	p := NewDevProvider(nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := p.CreateFunction(ctx, testParams("x"), nil); !engine.IsValidation(err) {
		t.Errorf("nil spec: expected validation error, got %v", err)
	}

	noHandler := testSpec("x")
	noHandler.Handler = ""
	if _, err := p.CreateFunction(ctx, testParams("x"), noHandler); !engine.IsValidation(err) {
		t.Errorf("empty handler: expected validation error, got %v", err)
	}

	missingFile := testSpec("x")
	missingFile.Handler = "absent.js"
	if _, err := p.CreateFunction(ctx, testParams("x"), missingFile); !engine.IsValidation(err) {
		t.Errorf("handler not in files: expected validation error, got %v", err)
	}
}

func TestDevProvider_ExecuteFunction(t *testing.T) {
	p := NewDevProvider(nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := p.CreateFunction(ctx, testParams("conn-1"), testSpec("conn-1")); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	resp, err := p.ExecuteFunction(ctx, &engine.InvokeRequest{
		Params: testParams("conn-1"),
		Method: "POST",
		Path:   "/api/configure",
	})
	if err != nil {
		t.Fatalf("ExecuteFunction: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["functionId"] != "conn-1" || body["method"] != "POST" || body["path"] != "/api/configure" {
		t.Errorf("unexpected synthesized body: %v", body)
	}
	if len(resp.Logs) == 0 {
		t.Error("expected invocation log line")
	}
}

func TestDevProvider_ExecuteMissingFunction(t *testing.T) {
	p := NewDevProvider(nil, zerolog.Nop())

	_, err := p.ExecuteFunction(context.Background(), &engine.InvokeRequest{
		Params: testParams("ghost"),
		Method: "GET",
		Path:   "/",
	})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDevProvider_DeleteFunction(t *testing.T) {
	p := NewDevProvider(nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := p.CreateFunction(ctx, testParams("conn-1"), testSpec("conn-1")); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	if err := p.DeleteFunction(ctx, testParams("conn-1")); err != nil {
		t.Fatalf("DeleteFunction: %v", err)
	}
	if p.FunctionCount() != 0 {
		t.Errorf("expected empty table, got %d", p.FunctionCount())
	}

	// Deleting a missing function is not an error.
	if err := p.DeleteFunction(ctx, testParams("ghost")); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestDevProvider_WaitForBuild(t *testing.T) {
	p := NewDevProvider(nil, zerolog.Nop())

	if err := p.WaitForBuild(context.Background(), testParams("conn-1"), "bld-1", 0); err != nil {
		t.Errorf("expected immediate build resolution: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.WaitForBuild(ctx, testParams("conn-1"), "bld-1", 0); err == nil {
		t.Error("expected context error after cancel")
	}
}

func scrapeValue(t *testing.T, body, series string) float64 {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, series) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, series)), 64)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		return v
	}
	t.Fatalf("series %s not found in scrape:\n%s", series, body)
	return 0
}

func TestDevProvider_RecordsCallDurations(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "fluxfn"})
	if err != nil {
		t.Fatal(err)
	}
	p := NewDevProvider(m, zerolog.Nop())
	ctx := context.Background()

	if _, err := p.CreateFunction(ctx, testParams("conn-1"), testSpec("conn-1")); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	// Hold the table lock so the delete measurably blocks. The recorded
	// duration must cover the whole call, not just the statements before
	// the defer was scheduled.
	p.mu.Lock()
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.mu.Unlock()
	}()
	if err := p.DeleteFunction(ctx, testParams("conn-1")); err != nil {
		t.Fatalf("DeleteFunction: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `fluxfn_provider_calls_total{operation="delete_function"} 1`) {
		t.Errorf("expected one delete_function call recorded, scrape:\n%s", body)
	}
	sum := scrapeValue(t, body, `fluxfn_provider_call_duration_seconds_sum{operation="delete_function"}`)
	if sum < 0.015 {
		t.Errorf("expected recorded duration to cover the blocked call, got %v", sum)
	}
}
