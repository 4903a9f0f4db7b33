package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/automate/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsResetCmd())
	return cmd
}

func openStore() (*sessions.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sessions.NewStore(sessions.Options{
		Dir:          cfg.Sessions.Directory,
		ContextLimit: cfg.Sessions.ContextLimit,
		CompactAt:    cfg.Sessions.CompactAt,
	}), nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				fail(err)
			}
			summaries := store.List()
			if len(summaries) == 0 {
				fmt.Println("No sessions.")
				return
			}
			for _, s := range summaries {
				fmt.Printf("%-40s msgs=%-5d updated=%s\n",
					s.ID, s.MessageCount, s.Updated.Local().Format(time.RFC3339))
			}
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <sessionId>",
		Short: "Clear a session's messages",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openStore()
			if err != nil {
				fail(err)
			}
			if err := store.Reset(args[0]); err != nil {
				fail(err)
			}
			fmt.Println("Reset.")
		},
	}
}
