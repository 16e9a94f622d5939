package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cordum/teamflow/core/infra/config"
	"github.com/cordum/teamflow/core/workflow"
)

func (a *app) workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflow definitions",
	}
	cmd.AddCommand(a.workflowApplyCmd())
	cmd.AddCommand(a.workflowListCmd())
	cmd.AddCommand(a.workflowShowCmd())
	cmd.AddCommand(a.workflowToggleCmd("enable", true))
	cmd.AddCommand(a.workflowToggleCmd("disable", false))
	cmd.AddCommand(a.workflowDeleteCmd())
	cmd.AddCommand(a.workflowInstantiateCmd())
	return cmd
}

func (a *app) workflowApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply FILE",
		Short: "Create or update workflows from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfs, err := config.LoadWorkflowSeeds(args[0])
			if err != nil {
				return err
			}
			if len(wfs) == 0 {
				return fmt.Errorf("%s holds no workflows", args[0])
			}
			if err := a.open(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, wf := range wfs {
				saved, err := a.reg.Save(cmd.Context(), wf, a.user)
				if err != nil {
					return fmt.Errorf("apply %s: %w", wf.ID, err)
				}
				fmt.Fprintf(out, "%s workflow %s (%s)\n", color.GreenString("applied"), saved.ID, saved.WorkflowType)
			}
			return nil
		},
	}
}

func (a *app) workflowListCmd() *cobra.Command {
	var (
		team string
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows visible to the acting user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			wfs, err := a.reg.List(cmd.Context(), a.user, workflow.WorkflowFilter{TeamID: team, IncludeDisabled: all})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return a.printJSON(out, wfs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tTEAM\tSTATE\tSTAGES")
			for _, wf := range wfs {
				state := "enabled"
				switch {
				case wf.IsTemplate:
					state = "template"
				case !wf.Enabled:
					state = "disabled"
				}
				stages := make([]string, 0, len(wf.Stages))
				for _, s := range wf.Stages {
					stages = append(stages, s.ID)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", wf.ID, wf.Name, wf.WorkflowType, orDash(wf.TeamID), state, strings.Join(stages, ">"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "only workflows of this team")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled workflows")
	return cmd
}

func (a *app) workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			wf, err := a.reg.Get(cmd.Context(), args[0], a.user)
			if err != nil {
				return err
			}
			return a.printJSON(cmd.OutOrStdout(), wf)
		},
	}
}

func (a *app) workflowToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " creation of new work items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			if _, err := a.reg.SetEnabled(cmd.Context(), args[0], a.user, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s %sd\n", args[0], verb)
			return nil
		},
	}
}

func (a *app) workflowDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a workflow with its work items and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			if err := a.reg.Delete(cmd.Context(), args[0], a.user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s workflow %s\n", color.RedString("deleted"), args[0])
			return nil
		},
	}
}

func (a *app) workflowInstantiateCmd() *cobra.Command {
	var opts workflow.InstantiateOptions
	var wfType string
	cmd := &cobra.Command{
		Use:   "instantiate TEMPLATE",
		Short: "Create an executable workflow from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			opts.WorkflowType = workflow.WorkflowType(wfType)
			wf, err := a.reg.Instantiate(cmd.Context(), args[0], a.user, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s workflow %s from %s\n", color.GreenString("created"), wf.ID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "workflow id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "workflow name")
	cmd.Flags().StringVar(&wfType, "type", "", "personal, team or global (template's when empty)")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team for team workflows")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
