package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/johnplanow/substrate-sub007/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the layered configuration",
	Long: `The merged configuration layers, lowest to highest precedence:
built-in defaults, the global user file, the project file
(.substrate/config.yaml), ADT_* environment variables, CLI overrides.
Edits always target the project file.`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one config value by dotted path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := loadSystem(workspace)
		if err != nil {
			return err
		}
		val, err := sys.Get(args[0])
		if err != nil {
			return configErr(err)
		}
		rendered, err := yaml.Marshal(val)
		if err != nil {
			return runtimeErr(err)
		}
		return emit(cmd,
			map[string]interface{}{"key": args[0], "value": val},
			strings.TrimRight(string(rendered), "\n"))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one value to the project config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := loadSystem(workspace)
		if err != nil {
			return err
		}
		if _, err := sys.Set(args[0], args[1]); err != nil {
			return configErr(err)
		}
		return emit(cmd,
			map[string]interface{}{"key": args[0], "value": args[1]},
			fmt.Sprintf("%s = %s", args[0], args[1]))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := loadSystem(workspace)
		if err != nil {
			return err
		}
		cfg, err := sys.Current()
		if err != nil {
			return configErr(err)
		}
		rendered, err := yaml.Marshal(cfg)
		if err != nil {
			return runtimeErr(err)
		}
		return emit(cmd, cfg, strings.TrimRight(string(rendered), "\n"))
	},
}

var configExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the merged configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, _, err := loadSystem(workspace)
		if err != nil {
			return err
		}
		out, err := sys.Export()
		if err != nil {
			return configErr(err)
		}
		return emit(cmd,
			map[string]interface{}{"yaml": string(out)},
			strings.TrimRight(string(out), "\n"))
	},
}

var configImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the project config file with a validated document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return usageErr(err)
		}
		sys, _, err := loadSystem(workspace)
		if err != nil {
			return err
		}
		changed, err := sys.Import(data)
		if err != nil {
			return configErr(err)
		}
		human := "config imported"
		if !changed {
			human = "config unchanged"
		}
		return emit(cmd, map[string]interface{}{"changed": changed}, human)
	},
}

var configMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the project config file to the current format version",
	Long: `Rewrites an old-format project config to the current schema. The
original file is kept next to it as <path>.bak.v<old-version>.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.NewSystem(workspace).ProjectPath()
		changed, err := config.NewMigrator().MigrateFile(path)
		if err != nil {
			return configErr(err)
		}
		human := "config already at the current format"
		if changed != nil {
			human = fmt.Sprintf("migrated %s (changed: %s)", path, strings.Join(changed, ", "))
		}
		return emit(cmd,
			map[string]interface{}{"path": path, "changed_keys": changed},
			human)
	},
}

// configErr maps config error kinds to exit codes: bad key paths are usage
// errors; everything else is runtime.
func configErr(err error) error {
	switch {
	case errors.Is(err, config.ErrUnknownKey),
		errors.Is(err, config.ErrUseDeeperPath):
		return usageErr(err)
	default:
		return runtimeErr(err)
	}
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configExportCmd)
	configCmd.AddCommand(configImportCmd)
	configCmd.AddCommand(configMigrateCmd)
}
