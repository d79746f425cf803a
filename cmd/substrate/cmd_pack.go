package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub007/internal/pack"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "List and inspect installed methodology packs",
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packs installed in the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		packs, err := pack.Discover(workspace)
		if err != nil {
			return runtimeErr(err)
		}
		if len(packs) == 0 {
			return emit(cmd, []interface{}{}, "no packs installed")
		}

		type packInfo struct {
			Name        string `json:"name"`
			Version     string `json:"version"`
			Description string `json:"description"`
			Phases      int    `json:"phases"`
		}
		infos := make([]packInfo, 0, len(packs))
		var lines []string
		for _, p := range packs {
			m := p.Manifest
			infos = append(infos, packInfo{
				Name: m.Name, Version: m.Version,
				Description: m.Description, Phases: len(m.Phases),
			})
			lines = append(lines, fmt.Sprintf("%-20s v%-8s %d phase(s)  %s",
				m.Name, m.Version, len(m.Phases), m.Description))
		}
		return emit(cmd, infos, strings.Join(lines, "\n"))
	},
}

var packShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one pack's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := pack.Find(workspace, args[0])
		if err != nil {
			return usageErr(err)
		}
		return emit(cmd, p.Manifest, renderManifest(p))
	},
}

func renderManifest(p *pack.Pack) string {
	m := p.Manifest
	var b strings.Builder
	fmt.Fprintf(&b, "%s v%s\n%s\n", m.Name, m.Version, m.Description)
	for _, ph := range m.Phases {
		fmt.Fprintf(&b, "\nphase %s: %s", ph.Name, ph.Description)
		if len(ph.Steps) > 0 {
			fmt.Fprintf(&b, "\n  steps: %s", strings.Join(ph.Steps, ", "))
		}
	}
	if len(m.Prompts) > 0 {
		names := make([]string, 0, len(m.Prompts))
		for name := range m.Prompts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "\nprompts: %s", strings.Join(names, ", "))
	}
	return b.String()
}

func init() {
	packCmd.AddCommand(packListCmd)
	packCmd.AddCommand(packShowCmd)
}
