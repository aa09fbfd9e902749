package tools

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegisterCheckpointTools_RegistersAllThree(t *testing.T) {
	r := NewRegistry()
	if err := RegisterCheckpointTools(r, NewCheckpointManager(0)); err != nil {
		t.Fatalf("RegisterCheckpointTools: %v", err)
	}
	for _, name := range []string{"checkpoint_create", "checkpoint_rollback", "checkpoint_list"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("expected %q to be registered", name)
		}
	}
}

func TestCheckpointManager_List_EmptyInitially(t *testing.T) {
	mgr := NewCheckpointManager(0)
	if got := mgr.List(); len(got) != 0 {
		t.Errorf("expected no checkpoints, got %+v", got)
	}
}

func TestCheckpointManager_Rollback_NoCheckpointsErrors(t *testing.T) {
	mgr := NewCheckpointManager(0)
	if err := mgr.Rollback(context.Background(), ""); err == nil {
		t.Fatal("expected an error rolling back with no checkpoints")
	}
}

func TestCheckpointManager_Rollback_UnknownIDErrors(t *testing.T) {
	mgr := NewCheckpointManager(0)
	mgr.checkpoints = append(mgr.checkpoints, Checkpoint{ID: "cp-1", StashRef: "HEAD"})
	if err := mgr.Rollback(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown checkpoint id")
	}
}

func TestCheckpointManager_List_MostRecentFirst(t *testing.T) {
	mgr := NewCheckpointManager(0)
	mgr.checkpoints = append(mgr.checkpoints,
		Checkpoint{ID: "cp-1", Label: "first"},
		Checkpoint{ID: "cp-2", Label: "second"},
	)
	got := mgr.List()
	if len(got) != 2 || got[0].ID != "cp-2" || got[1].ID != "cp-1" {
		t.Fatalf("expected most-recent-first order, got %+v", got)
	}
}

func TestCheckpointManager_Create_TrimsToMaxKeep(t *testing.T) {
	mgr := NewCheckpointManager(2)
	mgr.checkpoints = []Checkpoint{{ID: "cp-1"}, {ID: "cp-2"}, {ID: "cp-3"}}
	// Simulate what Create's trim step does after appending a 4th entry,
	// without shelling out to git.
	mgr.checkpoints = append(mgr.checkpoints, Checkpoint{ID: "cp-4"})
	if len(mgr.checkpoints) > mgr.maxKeep {
		mgr.checkpoints = mgr.checkpoints[len(mgr.checkpoints)-mgr.maxKeep:]
	}
	if len(mgr.checkpoints) != 2 || mgr.checkpoints[0].ID != "cp-3" || mgr.checkpoints[1].ID != "cp-4" {
		t.Fatalf("expected trim to keep the 2 most recent, got %+v", mgr.checkpoints)
	}
}

func TestCheckpointRollbackTool_NoCheckpointsReturnsError(t *testing.T) {
	tool := &checkpointRollbackTool{mgr: NewCheckpointManager(0)}
	res, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool-level error with no checkpoints")
	}
}

func TestCheckpointListTool_ReturnsJSONArray(t *testing.T) {
	mgr := NewCheckpointManager(0)
	mgr.checkpoints = append(mgr.checkpoints, Checkpoint{ID: "cp-1", Label: "before refactor"})
	tool := &checkpointListTool{mgr: mgr}

	res, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded []Checkpoint
	if err := json.Unmarshal([]byte(res.Content), &decoded); err != nil {
		t.Fatalf("expected valid JSON, got %q: %v", res.Content, err)
	}
	if len(decoded) != 1 || decoded[0].ID != "cp-1" {
		t.Fatalf("unexpected decoded checkpoints: %+v", decoded)
	}
}

func TestCheckpointCreateTool_Parameters_ValidSchema(t *testing.T) {
	tool := &checkpointCreateTool{mgr: NewCheckpointManager(0)}
	if _, err := compilePropertiesSchema(tool.Parameters()); err != nil {
		t.Fatalf("expected a valid parameter schema, got %v", err)
	}
}
