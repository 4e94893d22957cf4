package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ModuleCouncil/internal/config"
	"ModuleCouncil/internal/module"
)

func TestBuildWiresMemoryStack(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"step": req["step"]},
			"cost":   0.5,
		})
	}))
	defer agent.Close()

	cfg := config.Default()
	cfg.Council.Executors.DefaultWorker = agent.URL
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	go func() { _ = a.processor.Start(ctx) }()

	orch := a.orchestrator
	require.True(t, orch.Create(ctx, &module.Module{
		ID:       "wired",
		TenantID: "tenant",
		Steps: []module.Step{
			{Name: "collect", EstimatedCost: 0.5},
			{Name: "summarize", DependsOn: []string{"collect"}, EstimatedCost: 0.5},
		},
	}).OK())
	require.True(t, orch.SubmitForReview(ctx, "wired").OK())
	require.True(t, orch.Approve(ctx, "wired").OK())
	require.True(t, a.dispatcher.Submit(ctx, "wired").OK())

	require.Eventually(t, func() bool {
		return orch.Status(ctx, "wired").ModuleStatus == module.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	status := orch.Status(ctx, "wired")
	require.InDelta(t, 1.0, status.Cost, 1e-9)
}

func TestBuildRejectsUnknownDrivers(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Driver = "kafka"
	_, err := build(context.Background(), cfg)
	require.Error(t, err)

	cfg = config.Default()
	cfg.Council.Executors.Workers = map[string]string{"search": " "}
	_, err = build(context.Background(), cfg)
	require.Error(t, err)
}

type countingProvider struct {
	trace.TracerProvider
	names []string
}

func (p *countingProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	p.names = append(p.names, name)
	return p.TracerProvider.Tracer(name, opts...)
}

func TestBuildTracerUsesInstalledProviderOnlyWhenEnabled(t *testing.T) {
	provider := &countingProvider{TracerProvider: noop.NewTracerProvider()}

	require.NotNil(t, buildTracer(config.TracingConfig{ServiceName: "council"}, provider))
	require.Empty(t, provider.names)

	require.NotNil(t, buildTracer(config.TracingConfig{Enabled: true, ServiceName: "council"}, provider))
	require.Equal(t, []string{"council"}, provider.names)
}
