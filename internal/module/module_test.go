package module

import (
	"testing"

	xerrors "ModuleCouncil/internal/errors"
)

func sampleModule(id string) *Module {
	return &Module{
		ID:       id,
		TenantID: "tenant-a",
		ClientID: "client-a",
		Steps: []Step{
			{Name: "pull", EstimatedCost: 1},
			{Name: "analyse", DependsOn: []string{"pull"}, EstimatedCost: 2},
		},
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	cases := map[string][]Step{
		"empty":          nil,
		"unnamed":        {{Name: ""}},
		"duplicate":      {{Name: "a"}, {Name: "a"}},
		"undeclared dep": {{Name: "a", DependsOn: []string{"ghost"}}},
		"out of order":   {{Name: "b", DependsOn: []string{"a"}}, {Name: "a"}},
		"self cycle":     {{Name: "a", DependsOn: []string{"a"}}},
		"negative cost":  {{Name: "a", EstimatedCost: -1}},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			mod := &Module{ID: "m", TenantID: "t", Steps: steps}
			err := mod.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if xerrors.Classify(err) != xerrors.CodeValidation {
				t.Fatalf("expected VALIDATION_ERROR, got %s", xerrors.Classify(err))
			}
		})
	}
}

func TestValidateAcceptsTopologicalOrder(t *testing.T) {
	mod := sampleModule("m")
	mod.Steps = append(mod.Steps, Step{Name: "report", DependsOn: []string{"pull", "analyse"}})
	if err := mod.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	mod := sampleModule("m")
	mod.Steps[0].Input = map[string]any{"k": "v"}
	clone := mod.Clone()
	clone.Steps[0].Input["k"] = "changed"
	clone.Steps[1].DependsOn[0] = "other"
	if mod.Steps[0].Input["k"] != "v" || mod.Steps[1].DependsOn[0] != "pull" {
		t.Fatalf("clone shares state with original")
	}
}

func TestStepCapabilityDefaultsToName(t *testing.T) {
	if (Step{Name: "pull"}).Capability() != "pull" {
		t.Fatalf("expected name fallback")
	}
	if (Step{Name: "pull", Kind: "crm.export"}).Capability() != "crm.export" {
		t.Fatalf("expected explicit kind")
	}
}
