package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Checkpoint is a saved point-in-time snapshot of the working tree,
// supplementing spec.md's core modules as an optional tool-runtime
// side-channel (SPEC_FULL.md §6): the turn engine never depends on it to
// complete a turn, but the LLM can call it like any other tool.
type Checkpoint struct {
	ID        string
	Label     string
	StashRef  string
	Branch    string
	CreatedAt time.Time
}

// CheckpointManager creates and restores checkpoints via `git stash`,
// without ever touching the working tree on Create.
type CheckpointManager struct {
	mu          sync.Mutex
	checkpoints []Checkpoint
	maxKeep     int
	counter     int
}

// NewCheckpointManager creates a CheckpointManager keeping at most maxKeep
// checkpoints (defaulting to 10).
func NewCheckpointManager(maxKeep int) *CheckpointManager {
	if maxKeep <= 0 {
		maxKeep = 10
	}
	return &CheckpointManager{maxKeep: maxKeep}
}

// Create snapshots the working tree with `git stash create`, which builds
// a stash commit without touching tracked or untracked files, then stores
// the ref so it survives garbage collection.
func (cm *CheckpointManager) Create(ctx context.Context, label string) (*Checkpoint, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := gitExec(ctx, nil, "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, fmt.Errorf("not a git repository")
	}

	var branchBuf bytes.Buffer
	if err := gitExec(ctx, &branchBuf, "rev-parse", "--abbrev-ref", "HEAD"); err != nil {
		return nil, fmt.Errorf("cannot determine branch: %w", err)
	}
	branch := strings.TrimSpace(branchBuf.String())

	var refBuf bytes.Buffer
	if err := gitExec(ctx, &refBuf, "stash", "create"); err != nil {
		return nil, fmt.Errorf("git stash create failed: %w", err)
	}

	stashRef := strings.TrimSpace(refBuf.String())
	if stashRef == "" {
		// No local changes to stash; checkpoint just pins HEAD.
		var headBuf bytes.Buffer
		if err := gitExec(ctx, &headBuf, "rev-parse", "HEAD"); err != nil {
			return nil, fmt.Errorf("cannot get HEAD: %w", err)
		}
		stashRef = strings.TrimSpace(headBuf.String())
	} else {
		msg := fmt.Sprintf("apexion-runtime-checkpoint: %s", label)
		_ = gitExec(ctx, nil, "stash", "store", "-m", msg, stashRef)
	}

	cm.counter++
	cp := Checkpoint{
		ID:        fmt.Sprintf("cp-%d", cm.counter),
		Label:     label,
		StashRef:  stashRef,
		Branch:    branch,
		CreatedAt: time.Now(),
	}
	cm.checkpoints = append(cm.checkpoints, cp)
	if len(cm.checkpoints) > cm.maxKeep {
		cm.checkpoints = cm.checkpoints[len(cm.checkpoints)-cm.maxKeep:]
	}
	return &cp, nil
}

// Rollback restores the working tree to the named checkpoint, or the most
// recent one if id is empty.
func (cm *CheckpointManager) Rollback(ctx context.Context, id string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.checkpoints) == 0 {
		return fmt.Errorf("no checkpoints available")
	}

	var target *Checkpoint
	if id == "" {
		target = &cm.checkpoints[len(cm.checkpoints)-1]
	} else {
		for i := range cm.checkpoints {
			if cm.checkpoints[i].ID == id {
				target = &cm.checkpoints[i]
				break
			}
		}
	}
	if target == nil {
		return fmt.Errorf("checkpoint %q not found", id)
	}

	if err := gitExec(ctx, nil, "checkout", "."); err != nil {
		return fmt.Errorf("git checkout . failed: %w", err)
	}
	_ = gitExec(ctx, nil, "clean", "-fd")

	if err := gitExec(ctx, nil, "stash", "apply", target.StashRef); err != nil {
		if err2 := gitExec(ctx, nil, "checkout", target.StashRef, "--", "."); err2 != nil {
			return fmt.Errorf("rollback failed: %w", err2)
		}
	}
	return nil
}

// List returns all checkpoints, most recent first.
func (cm *CheckpointManager) List() []Checkpoint {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	result := make([]Checkpoint, len(cm.checkpoints))
	for i, cp := range cm.checkpoints {
		result[len(cm.checkpoints)-1-i] = cp
	}
	return result
}

func gitExec(ctx context.Context, stdout *bytes.Buffer, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// checkpointCreateTool, checkpointRollbackTool, and checkpointListTool
// expose CheckpointManager as ordinary Tools (C4) so the LLM can checkpoint
// and roll back the working tree mid-turn, the same way it calls any other
// tool — this side-channel never participates in the turn loop's own
// control flow.
type checkpointCreateTool struct{ mgr *CheckpointManager }

func (t *checkpointCreateTool) Name() string        { return "checkpoint_create" }
func (t *checkpointCreateTool) Description() string { return "Save a git-stash snapshot of the working tree that can be restored later." }
func (t *checkpointCreateTool) Parameters() map[string]any {
	return map[string]any{
		"label": map[string]any{"type": "string", "description": "Short human-readable label for this checkpoint."},
	}
}

func (t *checkpointCreateTool) Execute(ctx context.Context, params json.RawMessage) (ToolResult, error) {
	var args struct {
		Label string `json:"label"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return ToolResult{IsError: true, Content: err.Error()}, nil
		}
	}
	cp, err := t.mgr.Create(ctx, args.Label)
	if err != nil {
		return ToolResult{IsError: true, Content: err.Error()}, nil
	}
	out, _ := json.Marshal(cp)
	return ToolResult{Content: string(out)}, nil
}

type checkpointRollbackTool struct{ mgr *CheckpointManager }

func (t *checkpointRollbackTool) Name() string        { return "checkpoint_rollback" }
func (t *checkpointRollbackTool) Description() string {
	return "Restore the working tree to a previously created checkpoint (most recent if id is omitted)."
}
func (t *checkpointRollbackTool) Parameters() map[string]any {
	return map[string]any{
		"id": map[string]any{"type": "string", "description": "Checkpoint id to restore, or empty for the most recent."},
	}
}

func (t *checkpointRollbackTool) Execute(ctx context.Context, params json.RawMessage) (ToolResult, error) {
	var args struct {
		ID string `json:"id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return ToolResult{IsError: true, Content: err.Error()}, nil
		}
	}
	if err := t.mgr.Rollback(ctx, args.ID); err != nil {
		return ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return ToolResult{Content: "rolled back"}, nil
}

type checkpointListTool struct{ mgr *CheckpointManager }

func (t *checkpointListTool) Name() string        { return "checkpoint_list" }
func (t *checkpointListTool) Description() string { return "List saved checkpoints, most recent first." }
func (t *checkpointListTool) Parameters() map[string]any { return map[string]any{} }

func (t *checkpointListTool) Execute(ctx context.Context, params json.RawMessage) (ToolResult, error) {
	out, err := json.Marshal(t.mgr.List())
	if err != nil {
		return ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return ToolResult{Content: string(out)}, nil
}

// RegisterCheckpointTools registers the checkpoint_create/rollback/list
// tools backed by mgr into registry.
func RegisterCheckpointTools(registry *Registry, mgr *CheckpointManager) error {
	for _, t := range []Tool{
		&checkpointCreateTool{mgr: mgr},
		&checkpointRollbackTool{mgr: mgr},
		&checkpointListTool{mgr: mgr},
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
