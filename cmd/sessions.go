package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted rollouts",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known session ids, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			ids, err := rt.rollouts.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's rollout header and transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			record, err := rt.rollouts.LoadBySessionID(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session %s  provider=%s  created=%s\n",
				record.Header.SessionID, record.Header.Provider, record.Header.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			for _, e := range record.Entries {
				fmt.Printf("[%s] %s: %s\n", e.At.Format("15:04:05"), e.Message.Role, e.Message.Text)
			}
			return nil
		},
	}
}
