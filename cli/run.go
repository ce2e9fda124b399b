// Package cli implements the flowsim command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowsim/flowsim"
	"github.com/flowsim/flowsim/bus"
	"github.com/flowsim/flowsim/loader"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitTimeout      = 10
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Simulate a process definition to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().Bool("random", false, "Choose random paths at gateways")
	cmd.Flags().Int64("seed", 0, "Random seed for reproducible path choices (0 = time-seeded)")
	cmd.Flags().Int("max-steps", flowsim.DefaultMaxSteps, "Abort after this many steps (guards cyclic graphs)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Simulation timeout")
	cmd.Flags().String("store", "", "SQLite DSN to persist the event log (optional)")
	cmd.Flags().Bool("events", false, "Print each event as it happens")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	random, _ := cmd.Flags().GetBool("random")
	seed, _ := cmd.Flags().GetInt64("seed")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	format, _ := cmd.Flags().GetString("format")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	storeDSN, _ := cmd.Flags().GetString("store")
	printEvents, _ := cmd.Flags().GetBool("events")
	out := cmd.OutOrStdout()

	g, pd, diags, err := loader.LoadProcess(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return exitError(exitValidation, "validation failed")
		}
		return exitError(exitValidation, "%v", err)
	}
	for _, d := range loader.Warnings(diags) {
		fmt.Fprintf(cmd.ErrOrStderr(), "WARNING [%s]: %s\n", d.Code, d.Message)
	}

	var handlers []flowsim.EventHandler
	if printEvents {
		handlers = append(handlers, eventPrinter(out))
	}
	if storeDSN != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: storeDSN})
		if err != nil {
			return exitError(exitRuntime, "opening event store: %v", err)
		}
		defer func() { _ = store.Close() }()
		handlers = append(handlers, bus.NewStoreSubscriber(store, nil).Handle)
	}

	cfg := flowsim.Config{
		RandomPaths:  random,
		EventHandler: flowsim.MultiEventHandler(handlers...),
	}
	if seed != 0 {
		cfg.Resolver = flowsim.NewGatewayResolverWithRand(rand.New(rand.NewSource(seed)))
	}

	sim := flowsim.NewSimulator(g, cfg)

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	state, err := sim.RunToCompletion(ctx, maxSteps)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return exitError(exitTimeout, "simulation timed out after %s", timeout)
		}
		if errors.Is(err, flowsim.ErrMaxStepsExceeded) {
			return exitError(exitRuntime, "simulation did not finish within %d steps", maxSteps)
		}
		return exitError(exitRuntime, "simulation failed: %v", err)
	}

	return writeRunResult(out, format, pd, state)
}

// eventPrinter returns a handler that logs one line per event.
func eventPrinter(w io.Writer) flowsim.EventHandler {
	return func(e flowsim.Event) {
		switch {
		case e.TokenID != "" && e.NodeID != "":
			fmt.Fprintf(w, "[%4d] %-18s token=%s node=%s\n", e.Step, e.Kind, shortID(e.TokenID), e.NodeID)
		case e.NodeID != "":
			fmt.Fprintf(w, "[%4d] %-18s node=%s\n", e.Step, e.Kind, e.NodeID)
		default:
			fmt.Fprintf(w, "[%4d] %-18s\n", e.Step, e.Kind)
		}
	}
}

// shortID truncates a UUID for readable event output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// runResult is the JSON output shape for a finished simulation.
type runResult struct {
	ProcessID        string      `json:"process_id,omitempty"`
	ProcessName      string      `json:"process_name,omitempty"`
	Steps            int         `json:"steps"`
	TokensCompleted  int         `json:"tokens_completed"`
	TokensTerminated int         `json:"tokens_terminated"`
	Tokens           []tokenJSON `json:"tokens"`
}

type tokenJSON struct {
	ID     string   `json:"id"`
	NodeID string   `json:"node_id"`
	Status string   `json:"status"`
	Path   []string `json:"path"`
}

func writeRunResult(w io.Writer, format string, pd *loader.ProcessDefinition, state *flowsim.RunState) error {
	_, completed, terminated := state.TokenCounts()

	if format == "json" {
		result := runResult{
			Steps:            state.Steps,
			TokensCompleted:  completed,
			TokensTerminated: terminated,
		}
		if pd != nil {
			result.ProcessID = pd.ID
			result.ProcessName = pd.Name
		}
		for _, tok := range state.Tokens {
			result.Tokens = append(result.Tokens, tokenJSON{
				ID:     tok.ID,
				NodeID: tok.CurrentNodeID,
				Status: string(tok.Status),
				Path:   tok.Path,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	name := ""
	if pd != nil {
		name = pd.Name
		if name == "" {
			name = pd.ID
		}
	}
	if name != "" {
		fmt.Fprintf(w, "Simulated %q in %d %s.\n", name, state.Steps, pluralize("step", state.Steps))
	} else {
		fmt.Fprintf(w, "Simulation finished in %d %s.\n", state.Steps, pluralize("step", state.Steps))
	}
	fmt.Fprintf(w, "Tokens: %d completed, %d terminated.\n", completed, terminated)
	for _, tok := range state.Tokens {
		fmt.Fprintf(w, "  %s %s at %s\n", shortID(tok.ID), tok.Status, tok.CurrentNodeID)
	}
	return nil
}
