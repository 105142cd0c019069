package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/scheduler"
	workerproc "ops-orchestrator/internal/worker"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect and edit recurring job definitions"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recurring job definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := a.store.ListDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tENABLED\tSCHEDULE\tSTATE\tLAST RUN\tPENDING ARGS\tLAST LOG")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n",
					d.Action, d.Enabled, d.ScheduleExpression, d.State, fmtTime(d.LastRunAt),
					orDash(d.PendingArgs), orDash(d.LastLog))
			}
			return w.Flush()
		},
	}

	var pending string
	schedule := &cobra.Command{
		Use:   "schedule ACTION EXPR",
		Short: "Rewrite ACTION's schedule, optionally with args for its next firing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, argv []string) error {
			if err := scheduler.Validate(argv[1]); err != nil {
				return err
			}
			patch := models.DefinitionPatch{ScheduleExpression: &argv[1]}
			if cmd.Flags().Changed("args") {
				patch.PendingArgs = &pending
			}
			return a.updateDefinition(cmd, argv[0], patch)
		},
	}
	schedule.Flags().StringVar(&pending, "args", "", "pending args consumed by the next firing (key:value,key:value)")

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ACTION",
			Short: use + " ACTION's cron trigger",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, argv []string) error {
				return a.updateDefinition(cmd, argv[0], models.DefinitionPatch{Enabled: &enabled})
			},
		}
	}

	cmd.AddCommand(list, schedule, toggle("enable", true), toggle("disable", false))
	return cmd
}

func (a *app) updateDefinition(cmd *cobra.Command, action string, patch models.DefinitionPatch) error {
	ctx := cmd.Context()
	existing, err := a.store.GetDefinition(ctx, action)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("no definition for action %q", action)
	}
	if err := a.store.UpsertDefinition(ctx, action, patch); err != nil {
		return err
	}
	if err := a.notifier.DefinitionsChanged(ctx, action); err != nil {
		a.log.Warn("definitions notification not sent", logx.Err(err))
	}
	def, err := a.store.GetDefinition(ctx, action)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t schedule=%q pending=%q\n", def.Action, def.Enabled, def.ScheduleExpression, def.PendingArgs)
	return nil
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail entries left running by a crashed worker and schedule their retries",
		Long: "Fails every running queue entry and applies the retry policy to it.\n" +
			"Run it only while no worker is processing the queue.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := workerproc.Reconcile(cmd.Context(), a.store, workerproc.RetryPolicyFromConfig(a.cfg), a.log, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d entries\n", n)
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
