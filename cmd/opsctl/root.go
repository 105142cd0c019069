package main

import (
	"github.com/spf13/cobra"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/queue"
	"ops-orchestrator/internal/store"
)

// app holds what every subcommand shares. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	cfg      config.Config
	log      logx.Logger
	store    store.Store
	notifier *queue.Notifier
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var driver, sqlitePath string

	root := &cobra.Command{
		Use:   "opsctl",
		Short: "Operate the job orchestrator: queue tasks, edit schedules, recover",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = config.Load()
			if driver != "" {
				a.cfg.StoreDriver = driver
			}
			if sqlitePath != "" {
				a.cfg.SQLitePath = sqlitePath
			}
			a.log = logx.NewWriter(cmd.ErrOrStderr(), a.cfg.LogLevel, "console").With(logx.String("service", "opsctl"))

			st, err := store.Open(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			if err := st.Migrate(cmd.Context()); err != nil {
				st.Close()
				return err
			}
			a.store = st
			a.notifier = queue.NewNotifier(a.cfg, a.log)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.store != nil {
				a.store.Close()
			}
			_ = a.notifier.Close()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&driver, "driver", "", "store driver override (postgres|sqlite)")
	root.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "SQLite path override")

	root.AddCommand(newEnqueueCmd(a), newQueueCmd(a), newJobsCmd(a), newReconcileCmd(a))
	return root
}
