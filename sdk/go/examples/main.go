package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ModuleCouncil/sdk/go/council"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/modules", func(w http.ResponseWriter, r *http.Request) {
		var mod council.Module
		_ = json.NewDecoder(r.Body).Decode(&mod)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(council.Result{Status: "ok", ModuleID: mod.ID, ModuleStatus: "DRAFT"})
	})
	mux.HandleFunc("POST /api/v1/modules/{id}/{verb}", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"submit": "PENDING_REVIEW", "approve": "APPROVED", "run": "COMPLETED"}[r.PathValue("verb")]
		_ = json.NewEncoder(w).Encode(council.Result{
			Status:       "ok",
			ModuleID:     r.PathValue("id"),
			ModuleStatus: status,
			Cost:         1.5,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := council.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mod := council.Module{
		ID:       "demo",
		TenantID: "acme",
		Steps: []council.Step{
			{Name: "research", EstimatedCost: 0.5},
			{Name: "draft", DependsOn: []string{"research"}, EstimatedCost: 1},
		},
	}
	if _, err := client.Create(ctx, mod); err != nil {
		panic(err)
	}
	for _, step := range []func(context.Context, string) (council.Result, error){client.Submit, client.Approve} {
		if _, err := step(ctx, mod.ID); err != nil {
			panic(err)
		}
	}
	res, err := client.Run(ctx, mod.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("module %s finished with %s (cost=%.2f)\n", res.ModuleID, res.ModuleStatus, res.Cost)
}
