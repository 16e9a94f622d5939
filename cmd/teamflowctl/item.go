package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cordum/teamflow/core/orchestrator"
	"github.com/cordum/teamflow/core/workflow"
)

func (a *app) itemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Create and move work items",
	}
	cmd.AddCommand(a.itemCreateCmd())
	cmd.AddCommand(a.itemTransitionCmd("claim", "Claim a queued work item", a.claim))
	cmd.AddCommand(a.itemTransitionCmd("start", "Start work on a claimed item", a.start))
	cmd.AddCommand(a.itemCompleteCmd())
	cmd.AddCommand(a.itemCancelCmd())
	cmd.AddCommand(a.itemAssignCmd())
	cmd.AddCommand(a.itemShowCmd())
	cmd.AddCommand(a.itemFireCmd())
	return cmd
}

func (a *app) itemCreateCmd() *cobra.Command {
	var (
		opts orchestrator.CreateOptions
		data []string
	)
	cmd := &cobra.Command{
		Use:   "create WORKFLOW",
		Short: "Create a work item at the workflow's first stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Data, err = parseKV(data); err != nil {
				return err
			}
			if err := a.open(); err != nil {
				return err
			}
			item, err := a.orch.CreateWorkItem(cmd.Context(), args[0], a.user, opts)
			if err != nil {
				return err
			}
			return a.printItem(cmd.OutOrStdout(), item)
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (generated when empty)")
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "item data as key=value (repeatable)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "queue priority, higher first")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "user for direct-assignment stages")
	return cmd
}

type transitionFn func(cmd *cobra.Command, id string, opts []orchestrator.Option) (*workflow.WorkItem, error)

func (a *app) claim(cmd *cobra.Command, id string, opts []orchestrator.Option) (*workflow.WorkItem, error) {
	return a.orch.Claim(cmd.Context(), id, a.user, opts...)
}

func (a *app) start(cmd *cobra.Command, id string, opts []orchestrator.Option) (*workflow.WorkItem, error) {
	return a.orch.Start(cmd.Context(), id, a.user, opts...)
}

func (a *app) itemTransitionCmd(use, short string, fn transitionFn) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			item, err := fn(cmd, args[0], versionOpt(version))
			if err != nil {
				return err
			}
			return a.printItem(cmd.OutOrStdout(), item)
		},
	}
	addVersionFlag(cmd, &version)
	return cmd
}

func (a *app) itemCompleteCmd() *cobra.Command {
	var (
		version int64
		next    string
		output  []string
	)
	cmd := &cobra.Command{
		Use:   "complete ID",
		Short: "Complete the current stage and advance the item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := parseKV(output)
			if err != nil {
				return err
			}
			if err := a.open(); err != nil {
				return err
			}
			opts := versionOpt(version)
			if next != "" {
				opts = append(opts, orchestrator.WithNextStage(next))
			}
			item, err := a.orch.CompleteStage(cmd.Context(), args[0], a.user, out, opts...)
			if err != nil {
				return err
			}
			return a.printItem(cmd.OutOrStdout(), item)
		},
	}
	addVersionFlag(cmd, &version)
	cmd.Flags().StringVar(&next, "next", "", "target stage when several transitions are declared")
	cmd.Flags().StringArrayVarP(&output, "output", "o", nil, "stage output as key=value (repeatable)")
	return cmd
}

func (a *app) itemCancelCmd() *cobra.Command {
	var (
		version int64
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			opts := versionOpt(version)
			if reason != "" {
				opts = append(opts, orchestrator.WithReason(reason))
			}
			item, err := a.orch.Cancel(cmd.Context(), args[0], a.user, opts...)
			if err != nil {
				return err
			}
			return a.printItem(cmd.OutOrStdout(), item)
		},
	}
	addVersionFlag(cmd, &version)
	cmd.Flags().StringVar(&reason, "reason", "", "why the item was cancelled")
	return cmd
}

func (a *app) itemAssignCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "assign ID USER",
		Short: "Set the assignee of a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			item, err := a.orch.Reassign(cmd.Context(), args[0], a.user, args[1], versionOpt(version)...)
			if err != nil {
				return err
			}
			return a.printItem(cmd.OutOrStdout(), item)
		},
	}
	addVersionFlag(cmd, &version)
	return cmd
}

func (a *app) itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a work item and its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			item, err := a.orch.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			history, err := a.orch.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return a.printJSON(out, map[string]any{"item": item, "history": history})
			}
			_ = a.printItem(out, item)
			if item.DueAt != nil {
				fmt.Fprintf(out, "due %s\n", item.DueAt.Local().Format(time.RFC3339))
			}
			if len(history) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tFROM\tTO\tBY")
			for _, tr := range history {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", tr.Timestamp.Local().Format(time.RFC3339), tr.FromStageID, tr.ToStageID, tr.ActorUserID)
			}
			return tw.Flush()
		},
	}
}

func (a *app) itemFireCmd() *cobra.Command {
	var (
		ev   orchestrator.TriggerEvent
		kind string
		data []string
	)
	cmd := &cobra.Command{
		Use:   "fire",
		Short: "Fire a trigger event, creating items in every matching workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if ev.Data, err = parseKV(data); err != nil {
				return err
			}
			if err := a.open(); err != nil {
				return err
			}
			ev.Type = workflow.TriggerType(kind)
			ev.Actor = a.user
			items, fireErr := a.orch.Fire(cmd.Context(), ev)
			out := cmd.OutOrStdout()
			for _, item := range items {
				_ = a.printItem(out, item)
			}
			if len(items) == 0 && fireErr == nil {
				fmt.Fprintln(out, color.YellowString("no workflow listens for %s", kind))
			}
			return fireErr
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(workflow.TriggerEvent), "trigger type (event, form_submit, manual)")
	cmd.Flags().StringVar(&ev.TeamID, "team", "", "team the event belongs to (empty for personal and global workflows)")
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "event data as key=value (repeatable)")
	return cmd
}

func addVersionFlag(cmd *cobra.Command, v *int64) {
	cmd.Flags().Int64Var(v, "expect-version", 0, "fail unless the item is at this version")
}

func versionOpt(v int64) []orchestrator.Option {
	if v <= 0 {
		return nil
	}
	return []orchestrator.Option{orchestrator.WithExpectedVersion(v)}
}
