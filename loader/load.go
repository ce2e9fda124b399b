package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowsim/flowsim"
)

// LoadProcess reads a process definition file, validates it, and compiles
// it into an executable process graph. The definition and its diagnostics
// are returned alongside the graph so callers can surface warnings.
func LoadProcess(path string) (*flowsim.BasicProcessGraph, *ProcessDefinition, []Diagnostic, error) {
	pd, err := LoadDefinition(path)
	if err != nil {
		return nil, nil, nil, err
	}

	diags := pd.Validate()
	if HasErrors(diags) {
		return nil, pd, diags, &DiagnosticError{Diagnostics: diags}
	}

	g, err := pd.Build()
	if err != nil {
		return nil, pd, diags, fmt.Errorf("building process graph: %w", err)
	}

	return g, pd, diags, nil
}

// LoadDefinition reads and parses a process definition file without
// validating it. YAML and JSON are supported; the format is chosen by
// file extension (.yaml/.yml parse as YAML, everything else as JSON).
func LoadDefinition(path string) (*ProcessDefinition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseDefinition(data, path)
}

// ParseDefinition parses raw bytes into a ProcessDefinition. The path is
// only consulted for its extension.
func ParseDefinition(data []byte, path string) (*ProcessDefinition, error) {
	jsonData := data
	if isYAML(path) {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		jsonData = converted
	}

	var pd ProcessDefinition
	if err := json.Unmarshal(jsonData, &pd); err != nil {
		return nil, fmt.Errorf("parsing process definition: %w", err)
	}
	return &pd, nil
}

// isYAML reports whether the path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts raw bytes from YAML format to JSON bytes:
// YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 produces map[string]any by default, which is JSON-compatible
	return json.Marshal(raw)
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
