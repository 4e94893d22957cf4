package council

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
)

func TestNewHTTPExecutorValidation(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPConfig{})
	require.Error(t, err)
}

func TestHTTPExecutorSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.Body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"summary": "done"},
			"cost":   0.25,
			"tokens": 120,
			"pass":   true,
		})
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPConfig{URL: srv.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)

	resp, err := exec.Execute(context.Background(), Request{
		Role:     RoleWorker,
		TenantID: "t1",
		ModuleID: "m1",
		RunID:    "r1",
		Step:     module.Step{Name: "research", Kind: "search", Criteria: []string{"cites sources"}},
		Attempt:  2,
		Input:    map[string]any{"topic": "billing"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"summary":"done"}`, string(resp.Output))
	require.Equal(t, 0.25, resp.Cost)
	require.Equal(t, int64(120), resp.Tokens)
	require.True(t, resp.Pass)

	require.Equal(t, "Bearer secret", captured.Authorization)
	require.Equal(t, "research", captured.Body["step"])
	require.Equal(t, "search", captured.Body["kind"])
	require.Equal(t, float64(2), captured.Body["attempt"])
	require.Equal(t, "worker", captured.Body["role"])
}

func TestHTTPExecutorClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   xerrors.Code
	}{
		{status: http.StatusBadGateway, want: xerrors.CodeTransientAPI},
		{status: http.StatusTooManyRequests, want: xerrors.CodeTransientAPI},
		{status: http.StatusUnprocessableEntity, want: xerrors.CodeValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		exec, err := NewHTTPExecutor(HTTPConfig{URL: srv.URL})
		require.NoError(t, err)
		_, err = exec.Execute(context.Background(), Request{Step: module.Step{Name: "s"}})
		srv.Close()
		require.Error(t, err)
		require.Equal(t, tc.want, xerrors.Classify(err), "status %d", tc.status)
	}
}

func TestHTTPExecutorHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	exec, err := NewHTTPExecutor(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = exec.Execute(ctx, Request{Step: module.Step{Name: "s"}})
	require.Error(t, err)
	require.Equal(t, xerrors.CodeTimeout, xerrors.Classify(err))
}
