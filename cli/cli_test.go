package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "flowsim",
		SilenceUsage: true,
	}
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// exitCode extracts the exit code carried by an ExitError, or -1.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

const validLinearJSON = `{
  "id": "order-process",
  "name": "Order Process",
  "nodes": [
    {"id": "start", "kind": "event", "eventSubtype": "start"},
    {"id": "review", "kind": "task", "label": "Review order"},
    {"id": "end", "kind": "event", "eventSubtype": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "start", "target": "review"},
    {"id": "e2", "source": "review", "target": "end"}
  ]
}`

const validLinearYAML = `id: order-process
name: Order Process
nodes:
  - id: start
    kind: event
    eventSubtype: start
  - id: review
    kind: task
    label: Review order
  - id: end
    kind: event
    eventSubtype: end
edges:
  - id: e1
    source: start
    target: review
  - id: e2
    source: review
    target: end
`

// noStartJSON has no start event and must fail validation.
const noStartJSON = `{
  "id": "broken",
  "nodes": [
    {"id": "a", "kind": "task"},
    {"id": "b", "kind": "event", "eventSubtype": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "a", "target": "b"}
  ]
}`

// twoStartsJSON is valid but triggers a multiple-start-events warning.
const twoStartsJSON = `{
  "id": "two-starts",
  "nodes": [
    {"id": "s1", "kind": "event", "eventSubtype": "start"},
    {"id": "s2", "kind": "event", "eventSubtype": "start"},
    {"id": "end", "kind": "event", "eventSubtype": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "s1", "target": "end"},
    {"id": "e2", "source": "s2", "target": "end"}
  ]
}`

// cyclicJSON loops forever under the default first-edge gateway policy:
// the gateway's first outgoing edge points back at the task.
const cyclicJSON = `{
  "id": "loop",
  "nodes": [
    {"id": "start", "kind": "event", "eventSubtype": "start"},
    {"id": "work", "kind": "task"},
    {"id": "g", "kind": "gateway", "gatewaySubtype": "exclusive"},
    {"id": "end", "kind": "event", "eventSubtype": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "start", "target": "work"},
    {"id": "e2", "source": "work", "target": "g"},
    {"id": "e3", "source": "g", "target": "work"},
    {"id": "e4", "source": "g", "target": "end"}
  ]
}`

// branchingJSON has an exclusive gateway with two end branches, used for
// checking seeded random path selection is reproducible.
const branchingJSON = `{
  "id": "branching",
  "nodes": [
    {"id": "start", "kind": "event", "eventSubtype": "start"},
    {"id": "g", "kind": "gateway", "gatewaySubtype": "exclusive"},
    {"id": "left", "kind": "event", "eventSubtype": "end"},
    {"id": "right", "kind": "event", "eventSubtype": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "start", "target": "g"},
    {"id": "e2", "source": "g", "target": "left"},
    {"id": "e3", "source": "g", "target": "right"}
  ]
}`

// --- Validate command tests ---

func TestValidate_ValidJSON(t *testing.T) {
	path := writeTestFile(t, "process.json", validLinearJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("expected 'Valid' in output, got: %q", stdout)
	}
}

func TestValidate_ValidYAML(t *testing.T) {
	path := writeTestFile(t, "process.yaml", validLinearYAML)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("expected 'Valid' in output, got: %q", stdout)
	}
}

func TestValidate_InvalidFile_ShowsDiagnostics(t *testing.T) {
	path := writeTestFile(t, "bad.json", noStartJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := exitCode(err); got != exitValidation {
		t.Errorf("exit code = %d, want %d", got, exitValidation)
	}
	if !strings.Contains(stdout, "ERROR") {
		t.Errorf("expected error diagnostics, got: %q", stdout)
	}
}

func TestValidate_WarningsPassWithoutStrict(t *testing.T) {
	path := writeTestFile(t, "warn.json", twoStartsJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path)
	if err != nil {
		t.Fatalf("expected warnings to pass, got: %v", err)
	}
	if !strings.Contains(stdout, "WARNING") {
		t.Errorf("expected warning diagnostics, got: %q", stdout)
	}
}

func TestValidate_StrictFailsOnWarnings(t *testing.T) {
	path := writeTestFile(t, "warn.json", twoStartsJSON)
	root := newTestRoot()
	_, _, err := executeCommand(root, "validate", path, "--strict")
	if err == nil {
		t.Fatal("expected --strict to fail on warnings")
	}
	if got := exitCode(err); got != exitValidation {
		t.Errorf("exit code = %d, want %d", got, exitValidation)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "process.json", validLinearJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "validate", path, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	// JSON format should produce a JSON array (even if empty)
	if !strings.HasPrefix(strings.TrimSpace(stdout), "[") {
		t.Errorf("expected JSON array output, got: %q", stdout)
	}
}

func TestValidate_FileNotFound(t *testing.T) {
	root := newTestRoot()
	_, _, err := executeCommand(root, "validate", "/nonexistent/path.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if got := exitCode(err); got != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", got, exitFileNotFound)
	}
}

// --- Run command tests ---

func TestRun_LinearProcess(t *testing.T) {
	path := writeTestFile(t, "process.json", validLinearJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "run", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Order Process") {
		t.Errorf("expected process name in output, got: %q", stdout)
	}
	if !strings.Contains(stdout, "1 completed") {
		t.Errorf("expected one completed token, got: %q", stdout)
	}
}

func TestRun_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "process.json", validLinearJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "run", path, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	var result runResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("parsing output: %v\n%s", err, stdout)
	}
	if result.ProcessID != "order-process" {
		t.Errorf("process_id = %q, want order-process", result.ProcessID)
	}
	if result.TokensCompleted != 1 {
		t.Errorf("tokens_completed = %d, want 1", result.TokensCompleted)
	}
	if len(result.Tokens) != 1 || result.Tokens[0].NodeID != "end" {
		t.Errorf("expected one token at end, got: %+v", result.Tokens)
	}
}

func TestRun_PrintsEvents(t *testing.T) {
	path := writeTestFile(t, "process.json", validLinearJSON)
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "run", path, "--events")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "run.started") {
		t.Errorf("expected run.started event line, got: %q", stdout)
	}
	if !strings.Contains(stdout, "token.moved") {
		t.Errorf("expected token.moved event line, got: %q", stdout)
	}
}

func TestRun_SeededRandomIsReproducible(t *testing.T) {
	path := writeTestFile(t, "process.json", branchingJSON)

	var outputs [2]string
	for i := range outputs {
		root := newTestRoot()
		stdout, _, err := executeCommand(root, "run", path, "--random", "--seed", "42", "--format", "json")
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		outputs[i] = stdout
	}
	if outputs[0] != outputs[1] {
		t.Errorf("seeded runs diverged:\n%s\n%s", outputs[0], outputs[1])
	}
}

func TestRun_MaxStepsExceeded(t *testing.T) {
	path := writeTestFile(t, "loop.json", cyclicJSON)
	root := newTestRoot()
	_, _, err := executeCommand(root, "run", path, "--max-steps", "10")
	if err == nil {
		t.Fatal("expected cyclic process to exceed the step limit")
	}
	if got := exitCode(err); got != exitRuntime {
		t.Errorf("exit code = %d, want %d", got, exitRuntime)
	}
}

func TestRun_StorePersistsEvents(t *testing.T) {
	path := writeTestFile(t, "process.json", validLinearJSON)
	dbPath := filepath.Join(t.TempDir(), "events.db")

	root := newTestRoot()
	_, _, err := executeCommand(root, "run", path, "--store", "file:"+dbPath)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected event store file at %s: %v", dbPath, err)
	}
}

func TestRun_ValidationError(t *testing.T) {
	path := writeTestFile(t, "bad.json", noStartJSON)
	root := newTestRoot()
	_, stderr, err := executeCommand(root, "run", path)
	if err == nil {
		t.Fatal("expected error for invalid definition")
	}
	if got := exitCode(err); got != exitValidation {
		t.Errorf("exit code = %d, want %d", got, exitValidation)
	}
	if !strings.Contains(stderr, "ERROR") {
		t.Errorf("expected diagnostics on stderr, got: %q", stderr)
	}
}

func TestRun_FileNotFound(t *testing.T) {
	root := newTestRoot()
	_, _, err := executeCommand(root, "run", "/nonexistent/path.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if got := exitCode(err); got != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", got, exitFileNotFound)
	}
}

// --- Root command tests ---

func TestRoot_Help(t *testing.T) {
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "--help")
	if err != nil {
		t.Fatalf("--help should not error, got: %v", err)
	}
	for _, sub := range []string{"run", "validate", "serve"} {
		if !strings.Contains(stdout, sub) {
			t.Errorf("help should list %q command", sub)
		}
	}
}

func TestRun_SubcommandHelp(t *testing.T) {
	root := newTestRoot()
	stdout, _, err := executeCommand(root, "run", "--help")
	if err != nil {
		t.Fatalf("run --help should not error, got: %v", err)
	}
	if !strings.Contains(stdout, "--max-steps") {
		t.Error("run help should show --max-steps flag")
	}
	if !strings.Contains(stdout, "--seed") {
		t.Error("run help should show --seed flag")
	}
}

// --- Helper tests ---

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q, want 01234567", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q, want abc", got)
	}
}

func TestPluralize(t *testing.T) {
	if got := pluralize("step", 1); got != "step" {
		t.Errorf("pluralize(step, 1) = %q", got)
	}
	if got := pluralize("step", 3); got != "steps" {
		t.Errorf("pluralize(step, 3) = %q", got)
	}
}
