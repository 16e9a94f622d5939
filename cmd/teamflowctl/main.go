package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cordum/teamflow/core/infra/buildinfo"
)

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "teamflowctl",
		Short:   "Work with teamflow workflows and work items on this device",
		Version: buildinfo.Info(),
		Long: `teamflowctl edits workflow definitions and drives work items through
their stages against the local store. Changes made here are picked up by the
peer daemon sharing the same store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.user, "user", "u", envOr("TEAMFLOW_USER", os.Getenv("USER")), "acting user")
	f.StringVar(&a.storeKind, "store", envOr("TEAMFLOW_STORE", "sqlite"), "store backend (sqlite, redis)")
	f.StringVar(&a.sqlitePath, "db", envOr("TEAMFLOW_SQLITE_PATH", "teamflow.db"), "sqlite database path")
	f.StringVar(&a.redisURL, "redis", envOr("REDIS_URL", "redis://localhost:6379"), "redis url")
	f.StringVar(&a.rosterPath, "roster", envOr("TEAMFLOW_ROSTER_PATH", ""), "team roster yaml")
	f.BoolVar(&a.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(a.workflowCmd())
	root.AddCommand(a.itemCmd())
	root.AddCommand(a.queueCmd())
	root.AddCommand(a.mineCmd())
	root.AddCommand(a.overdueCmd())
	return root
}
