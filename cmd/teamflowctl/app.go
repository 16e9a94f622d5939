package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/cordum/teamflow/core/orchestrator"
	"github.com/cordum/teamflow/core/permissions"
	"github.com/cordum/teamflow/core/workflow"
)

// app holds the flags shared by every command and the store they open.
type app struct {
	user       string
	storeKind  string
	sqlitePath string
	redisURL   string
	rosterPath string
	jsonOut    bool

	store workflow.Store
	reg   *workflow.Registry
	orch  *orchestrator.Orchestrator
}

func (a *app) open() error {
	if a.orch != nil {
		return nil
	}
	if strings.TrimSpace(a.user) == "" {
		return errors.New("acting user required (--user or TEAMFLOW_USER)")
	}
	switch a.storeKind {
	case "sqlite":
		s, err := workflow.NewSQLiteStore(a.sqlitePath)
		if err != nil {
			return err
		}
		a.store = s
	case "redis":
		s, err := workflow.NewRedisStore(a.redisURL)
		if err != nil {
			return err
		}
		a.store = s
	default:
		return fmt.Errorf("unsupported store %q", a.storeKind)
	}

	var perms permissions.Checker = permissions.AllowAll{}
	if a.rosterPath != "" {
		roster, err := permissions.LoadRoster(a.rosterPath)
		if err != nil {
			a.close()
			return err
		}
		perms = roster
	}
	a.reg = workflow.NewRegistry(a.store, perms)
	orch, err := orchestrator.New(orchestrator.Config{
		Store:       a.store,
		Definitions: a.reg,
		Permissions: perms,
		Emitter:     orchestrator.NopEmitter{},
		PeerID:      "teamflowctl",
	})
	if err != nil {
		a.close()
		return err
	}
	a.orch = orch
	return nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.store, a.reg, a.orch = nil, nil, nil
}

func (a *app) printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func (a *app) printItem(w io.Writer, item *workflow.WorkItem) error {
	if a.jsonOut {
		return a.printJSON(w, item)
	}
	fmt.Fprintf(w, "%s  %s/%s  %s  v%d", item.ID, item.WorkflowID, item.CurrentStageID, statusLabel(item.Status), item.Version)
	if item.ClaimedBy != "" {
		fmt.Fprintf(w, "  claimed_by=%s", item.ClaimedBy)
	}
	if item.Assignee != "" {
		fmt.Fprintf(w, "  assignee=%s", item.Assignee)
	}
	fmt.Fprintln(w)
	return nil
}

func statusLabel(s workflow.Status) string {
	switch s {
	case workflow.StatusQueued:
		return color.New(color.FgCyan).Sprint(s)
	case workflow.StatusClaimed:
		return color.New(color.FgYellow).Sprint(s)
	case workflow.StatusInProgress:
		return color.New(color.FgBlue).Sprint(s)
	case workflow.StatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case workflow.StatusCancelled:
		return color.New(color.FgRed).Sprint(s)
	default:
		return string(s)
	}
}

// parseKV turns key=value pairs into a map. Values that parse as JSON keep
// their type; anything else is a string.
func parseKV(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
