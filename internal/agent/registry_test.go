package agent

import (
	"context"
	"testing"

	xerrors "OpenGRC-Risk/internal/errors"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	w := &stubWorker{}
	a := newTestController(t, testConfig("a"), w)
	dup := newTestController(t, testConfig("a"), w)
	if _, err := NewRegistry(a, dup); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegistryRunAllAndSnapshot(t *testing.T) {
	ok := &stubWorker{run: func(context.Context, int) (payload, error) { return payload{done: 1, total: 1}, nil }}
	disabledCfg := testConfig("b-disabled")
	disabledCfg.Enabled = false

	reg, err := NewRegistry(
		newTestController(t, testConfig("a-ok"), ok),
		newTestController(t, disabledCfg, &stubWorker{}),
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "a-ok" {
		t.Fatalf("unexpected names: %v", names)
	}

	results := reg.RunAll(context.Background())
	if results["a-ok"].Status != StatusCompleted || results["b-disabled"].Status != StatusIdle {
		t.Fatalf("unexpected results: %+v", results)
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(snap))
	}
	if snap[0].LastRun == nil || snap[0].Metrics.TotalRuns != 1 {
		t.Fatalf("expected run recorded for a-ok: %+v", snap[0])
	}
	if snap[1].LastRun != nil || snap[1].Status != StatusIdle {
		t.Fatalf("disabled agent should have no runs: %+v", snap[1])
	}
	if _, found := reg.Get("missing"); found {
		t.Fatalf("unexpected runner")
	}
}
