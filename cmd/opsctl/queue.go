package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/store"
	"ops-orchestrator/internal/tasks"
	"ops-orchestrator/internal/telemetry"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var by string
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "enqueue ACTION [key=value...]",
		Short: "Add a queue entry for ACTION",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			action := argv[0]
			if !slices.Contains(tasks.Actions(), action) {
				return fmt.Errorf("unknown action %q (known: %s)", action, strings.Join(tasks.Actions(), ", "))
			}
			args, err := parseKeyValues(argv[1:])
			if err != nil {
				return err
			}
			p := store.CreateEntryParams{Action: action, Args: args, CreatedAt: time.Now()}
			if def, err := a.store.GetDefinition(cmd.Context(), action); err == nil && def != nil {
				p.JobName = def.JobName
			}
			if by != "" {
				p.RequestedBy = &by
			}
			if delay > 0 {
				at := p.CreatedAt.Add(delay)
				p.ScheduledFor = &at
			}
			entry, err := a.store.CreateEntry(cmd.Context(), p)
			if err != nil {
				return err
			}
			telemetry.EnqueueCounter.Inc()
			if err := a.notifier.EntryCreated(cmd.Context(), entry.ID); err != nil {
				a.log.Warn("queue notification not sent", logx.Err(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued #%d %s\n", entry.ID, entry.Action)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "requester recorded on the entry")
	cmd.Flags().DurationVar(&delay, "delay", 0, "make the entry eligible only after this delay")
	return cmd
}

// parseKeyValues turns key=value words into args, coercing values the same
// way pending args are coerced.
func parseKeyValues(words []string) (models.Args, error) {
	pairs := make([]string, 0, len(words))
	for _, w := range words {
		k, v, ok := strings.Cut(w, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", w)
		}
		if strings.Contains(v, ",") {
			return nil, fmt.Errorf("argument %q: values may not contain commas", w)
		}
		pairs = append(pairs, k+":"+v)
	}
	return models.ParsePendingArgs(strings.Join(pairs, ",")), nil
}

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect queue entries"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent queue entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.store.ListRecentEntries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTION\tSTATUS\tRETRY\tCREATED\tSCHEDULED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					e.ID, e.Action, e.Status, e.Args.RetryCount(),
					e.CreatedAt.Local().Format(time.DateTime), fmtTime(e.ScheduledFor), deref(e.Error))
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of entries")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			id, err := strconv.ParseInt(argv[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", argv[0])
			}
			e, err := a.store.GetEntry(cmd.Context(), id)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("queue entry %d not found", id)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "id\t%d\n", e.ID)
			fmt.Fprintf(w, "job\t%s (%s)\n", e.JobName, e.Action)
			fmt.Fprintf(w, "status\t%s\n", e.Status)
			fmt.Fprintf(w, "args\t%s\n", models.EncodePendingArgs(e.Args))
			fmt.Fprintf(w, "requested by\t%s\n", deref(e.RequestedBy))
			fmt.Fprintf(w, "created\t%s\n", e.CreatedAt.Local().Format(time.DateTime))
			fmt.Fprintf(w, "scheduled\t%s\n", fmtTime(e.ScheduledFor))
			fmt.Fprintf(w, "eligible now\t%t\n", e.Eligible(time.Now()))
			fmt.Fprintf(w, "started\t%s\n", fmtTime(e.StartedAt))
			fmt.Fprintf(w, "completed\t%s\n", fmtTime(e.CompletedAt))
			fmt.Fprintf(w, "error\t%s\n", deref(e.Error))
			return w.Flush()
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
