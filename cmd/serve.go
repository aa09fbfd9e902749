package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apexion-ai/apexion-runtime/internal/rpc"
	"github.com/apexion-ai/apexion-runtime/internal/session"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON-RPC router over stdio (C10)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	events := rpc.NewEventForwarder()

	mgr := session.NewManager(session.Deps{
		Adapters:          rt.adapters,
		ToolRuntime:       rt.toolRT,
		RolloutStore:      rt.rollouts,
		Credentials:       credentialsResolver(rt.secrets),
		CurrentSelection:  currentSelectionFunc(rt.selection, rt.catalog),
		SystemInstruction: "", // operator-configurable system prompt stays out of scope (spec.md §1)
		Events:            events,
	})

	deps := rpc.Deps{
		Sessions:  mgr,
		Catalog:   rt.catalog,
		Selection: rt.selection,
		Secrets:   rt.secrets,
		Rollouts:  rt.rollouts,
		ToolRT:    rt.toolRT,
		Usage:     rt.usageReg,
		Events:    events,
	}
	deps.SetStrict(strict || rt.cfg.StrictProtocol)

	router := rpc.NewRouter(deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	stream := jsonrpc2.NewBufferedStream(stdioReadWriteCloser{}, jsonrpc2.VSCodeObjectCodec{})
	fmt.Fprintln(os.Stderr, "apexion-runtime: serving JSON-RPC over stdio")
	router.Serve(ctx, stream)
	return nil
}

// stdioReadWriteCloser adapts os.Stdin/os.Stdout into the single
// io.ReadWriteCloser jsonrpc2.NewBufferedStream wants, framed with
// VSCodeObjectCodec's Content-Length headers.
type stdioReadWriteCloser struct{}

func (stdioReadWriteCloser) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioReadWriteCloser) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioReadWriteCloser) Close() error {
	_ = os.Stdin.Close()
	return os.Stdout.Close()
}
