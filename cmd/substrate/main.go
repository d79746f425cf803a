// substrate orchestrates heterogeneous coding-agent CLIs over a task graph:
// validate and run graphs, execute methodology-pack phases, and manage the
// layered configuration, plans, and packs of a workspace.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

const version = "0.3.0"

// Exit codes, stable across every subcommand.
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

var (
	// Global flags
	verbose   bool
	jsonOut   bool
	workspace string
)

// codedError pins an exit code to an error. Anything unwrapped defaults to
// exitRuntime.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func usageErr(err error) error   { return &codedError{code: exitUsage, err: err} }
func runtimeErr(err error) error { return &codedError{code: exitRuntime, err: err} }

// envelope is the single-line JSON wrapper around every --json result.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	Version   string      `json:"version"`
	Command   string      `json:"command"`
}

// emit prints a command result: the JSON envelope under --json, the
// human-readable text otherwise.
func emit(cmd *cobra.Command, data interface{}, human string) error {
	if !jsonOut {
		if human != "" {
			fmt.Fprintln(cmd.OutOrStdout(), human)
		}
		return nil
	}
	return emitEnvelope(cmd.OutOrStdout(), envelope{
		Success: true,
		Data:    data,
		Command: cmd.CommandPath(),
	})
}

func emitEnvelope(w io.Writer, env envelope) error {
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	env.Version = version
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

var rootCmd = &cobra.Command{
	Use:   "substrate",
	Short: "Substrate - multi-agent task orchestrator",
	Long: `Substrate dispatches coding tasks to heterogeneous agent CLIs
(claude-code, codex, gemini) through a dependency-aware scheduler with
routing policy, budget enforcement, and a persistent decision store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return usageErr(err)
		}
		workspace = ws

		level := "info"
		if verbose {
			level = "debug"
		}
		if err := logging.Initialize(workspace, level); err != nil {
			return runtimeErr(fmt.Errorf("failed to initialize logging: %w", err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Shutdown()
	},
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		info, err := os.Stat(workspace)
		if err != nil {
			return "", fmt.Errorf("workspace %s: %w", workspace, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("workspace %s is not a directory", workspace)
		}
		return workspace, nil
	}
	return os.Getwd()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false,
		"emit results as single-line JSON envelopes")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "",
		"workspace directory (default: current directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(phaseCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		os.Exit(exitOK)
	}

	code := exitRuntime
	var coded *codedError
	if errors.As(err, &coded) {
		code = coded.code
	} else if isUsageError(err) {
		code = exitUsage
	}

	if jsonOut && cmd != nil {
		_ = emitEnvelope(os.Stdout, envelope{
			Success: false,
			Error:   err.Error(),
			Command: cmd.CommandPath(),
		})
	} else {
		fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
	}
	os.Exit(code)
}

// isUsageError classifies cobra's own argument and flag failures, which
// never pass through codedError.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"unknown command", "unknown flag",
		"accepts ", "requires at least", "invalid argument"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
