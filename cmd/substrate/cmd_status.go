package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub007/internal/store"
)

// openStore opens the workspace database read-style for inspection
// commands. A workspace that never ran anything has no database yet.
func openStore() (*store.Store, error) {
	path := dbPath(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, usageErr(fmt.Errorf("no substrate state in %s (run a graph first)", workspace))
		}
		return nil, runtimeErr(err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, runtimeErr(err)
	}
	return st, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent pipeline runs and enabled providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadSystem(workspace)
		if err != nil {
			return err
		}

		providers := make([]string, 0, len(cfg.Providers))
		for id, p := range cfg.Providers {
			if p.Enabled {
				providers = append(providers, id)
			}
		}
		sort.Strings(providers)

		var runs []store.PipelineRun
		if st, err := openStore(); err == nil {
			defer st.Close()
			runs, err = st.ListPipelineRuns(10)
			if err != nil {
				return runtimeErr(err)
			}
		}

		data := map[string]interface{}{
			"workspace": workspace,
			"providers": providers,
			"runs":      runs,
		}
		return emit(cmd, data, renderStatus(providers, runs))
	},
}

func renderStatus(providers []string, runs []store.PipelineRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "workspace: %s\n", workspace)
	fmt.Fprintf(&b, "providers: %s\n", strings.Join(providers, ", "))
	if len(runs) == 0 {
		b.WriteString("no pipeline runs recorded")
		return b.String()
	}
	b.WriteString("recent runs:")
	for _, r := range runs {
		fmt.Fprintf(&b, "\n  %s  %-10s %-12s %s", r.ID, r.Status, r.Methodology, r.UpdatedAt)
	}
	return b.String()
}
