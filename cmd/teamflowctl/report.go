package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cordum/teamflow/core/infra/metrics"
	"github.com/cordum/teamflow/core/orchestrator"
	"github.com/cordum/teamflow/core/workflow"
)

func (a *app) queueCmd() *cobra.Command {
	var role, stage string
	cmd := &cobra.Command{
		Use:   "queue WORKFLOW",
		Short: "List queued items a role can claim, highest priority first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			items, err := a.orch.QueueForRole(cmd.Context(), args[0], role, stage)
			if err != nil {
				return err
			}
			return a.printItems(cmd.OutOrStdout(), items, "queue is empty")
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role whose queue to list")
	cmd.Flags().StringVar(&stage, "stage", "", "only this stage")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func (a *app) mineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "List items the acting user has claimed or started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			items, err := a.orch.MyActiveWork(cmd.Context(), a.user)
			if err != nil {
				return err
			}
			return a.printItems(cmd.OutOrStdout(), items, "nothing in progress")
		},
	}
}

func (a *app) overdueCmd() *cobra.Command {
	var everyone bool
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List active items past their stage deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			mon, err := orchestrator.NewMonitor(orchestrator.MonitorConfig{Store: a.store, Metrics: metrics.Noop{}})
			if err != nil {
				return err
			}
			user := a.user
			if everyone {
				user = ""
			}
			overdue, err := mon.CheckOverdue(cmd.Context(), user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return a.printJSON(out, overdue)
			}
			if len(overdue) == 0 {
				fmt.Fprintln(out, color.GreenString("nothing overdue"))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTAGE\tSTATUS\tOWNER\tLATE BY")
			for _, o := range overdue {
				owner := o.Item.ClaimedBy
				if owner == "" {
					owner = orDash(o.Item.Assignee)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", o.Item.ID, o.Item.WorkflowID, o.Item.CurrentStageID,
					o.Item.Status, owner, color.RedString(o.By.Round(time.Second).String()))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&everyone, "all", false, "every user's items, not just the acting user's")
	return cmd
}

func (a *app) printItems(out io.Writer, items []*workflow.WorkItem, empty string) error {
	if a.jsonOut {
		return a.printJSON(out, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, empty)
		return nil
	}
	for _, item := range items {
		if err := a.printItem(out, item); err != nil {
			return err
		}
	}
	return nil
}
