package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
	"github.com/apexion-ai/apexion-runtime/internal/session"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var modelOverride string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt to completion against a fresh session and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(args[0], modelOverride)
		},
	}
	cmd.Flags().StringVar(&modelOverride, "model", "", "model id to select before sending (defaults to the persisted selection)")
	return cmd
}

func runOneShot(prompt, modelOverride string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	if modelOverride != "" {
		if err := applySelectionOverride(rt, modelOverride); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	sink := &oneShotSink{done: done}

	mgr := session.NewManager(session.Deps{
		Adapters:         rt.adapters,
		ToolRuntime:      rt.toolRT,
		RolloutStore:     rt.rollouts,
		Credentials:      credentialsResolver(rt.secrets),
		CurrentSelection: currentSelectionFunc(rt.selection, rt.catalog),
		Events:           sink,
	})

	sess, err := mgr.Create("run")
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sink.sessionID = sess.ID

	if _, err := mgr.Send(context.Background(), sess.ID, prompt, nil, false); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	<-done
	if errMsg := sink.getErr(); errMsg != "" {
		return fmt.Errorf("session error: %s", errMsg)
	}

	final, ok := mgr.Get(sess.ID)
	if !ok {
		return fmt.Errorf("session vanished after completion")
	}
	for _, m := range final.UIMessages {
		if m.Role == chatmodel.UiRoleAssistant {
			fmt.Println(m.Text)
		}
	}
	return nil
}

// applySelectionOverride persists --model's choice so currentSelectionFunc
// picks it up for this run, leaving the rest of the persisted Selection
// (thinking level, router sub-provider) untouched.
func applySelectionOverride(rt *runtime, modelID string) error {
	opt, ok := rt.catalog.Find(modelID)
	if !ok {
		return fmt.Errorf("unknown model id %q", modelID)
	}
	sel, err := rt.selection.Load()
	if err != nil {
		return fmt.Errorf("load selection: %w", err)
	}
	sel.SelectedModel = opt.ID
	return rt.selection.Save(sel)
}

// oneShotSink is a minimal session.EventSink that just watches for terminal
// events on the one session `run` created, closing done exactly once. The
// turn engine delivers events from its own goroutine, so reads/writes of
// errMsg and the finish latch are serialized through mu.
type oneShotSink struct {
	sessionID string

	mu        sync.Mutex
	errMsg    string
	closeOnce bool
	done      chan struct{}
}

func (s *oneShotSink) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closeOnce {
		s.closeOnce = true
		close(s.done)
	}
}

func (s *oneShotSink) setErr(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.mu.Unlock()
}

func (s *oneShotSink) getErr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

func (s *oneShotSink) StateChanged(reason string) {}
func (s *oneShotSink) SessionStatus(sessionID string, pending bool, statusLabel string) {}
func (s *oneShotSink) MessageAppended(sessionID string, msg chatmodel.RuntimeUiMessage) {}
func (s *oneShotSink) StreamChunk(sessionID string, chunk provider.StreamChunk)         {}
func (s *oneShotSink) ToolCallStarted(sessionID, callID, name string) {
	fmt.Fprintf(os.Stderr, "tool: %s\n", name)
}
func (s *oneShotSink) ToolCallCompleted(sessionID, callID string, output chatmodel.FunctionCallOutputItem) {
}
func (s *oneShotSink) Completed(sessionID string) {
	if sessionID == s.sessionID {
		s.finish()
	}
}
func (s *oneShotSink) Interrupted(sessionID string) {
	if sessionID == s.sessionID {
		s.finish()
	}
}
func (s *oneShotSink) SessionError(sessionID, message string) {
	if sessionID == s.sessionID {
		s.setErr(message)
		s.finish()
	}
}
func (s *oneShotSink) Debug(sessionID string, ev provider.DebugEvent) {}
