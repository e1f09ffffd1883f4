package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Rule bundles are JSON documents that can be shipped alongside the binary
// and loaded without a code deployment. Each bundle is validated against a
// JSON schema before any rule is parsed.

const bundleSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "rules"],
	"properties": {
		"version": {"type": "string"},
		"name": {"type": "string", "minLength": 1},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "conditions", "actions"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"conditions": {"type": "object", "minProperties": 1},
					"actions": {
						"type": "array",
						"minItems": 1,
						"items": {"enum": ["allow", "deny", "challenge", "escalate"]}
					},
					"priority": {"type": "integer"},
					"guard": {"type": "string"}
				}
			}
		}
	}
}`

// Bundle is a named collection of rules loaded from JSON.
type Bundle struct {
	Version string `json:"version,omitempty"`
	Name    string `json:"name"`
	Rules   []*Rule
}

type bundleDoc struct {
	Version string    `json:"version"`
	Name    string    `json:"name"`
	Rules   []ruleDoc `json:"rules"`
}

type ruleDoc struct {
	ID         string         `json:"id"`
	Conditions map[string]any `json:"conditions"`
	Actions    []string       `json:"actions"`
	Priority   int            `json:"priority"`
	Guard      string         `json:"guard,omitempty"`
}

// Loader parses and validates JSON rule bundles.
type Loader struct {
	schema *jsonschema.Schema
	log    *slog.Logger
}

// NewLoader compiles the bundle schema.
func NewLoader(log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bundle.schema.json", strings.NewReader(bundleSchemaJSON)); err != nil {
		return nil, fmt.Errorf("policy: add bundle schema: %w", err)
	}
	schema, err := compiler.Compile("bundle.schema.json")
	if err != nil {
		return nil, fmt.Errorf("policy: compile bundle schema: %w", err)
	}
	return &Loader{schema: schema, log: log}, nil
}

// LoadBytes validates and parses a single bundle document.
func (l *Loader) LoadBytes(data []byte) (*Bundle, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("policy: parse bundle: %w", err)
	}
	if err := l.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: bundle schema validation: %v", ErrInvalidRule, err)
	}

	var doc bundleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode bundle: %w", err)
	}

	bundle := &Bundle{Version: doc.Version, Name: doc.Name}
	for _, rd := range doc.Rules {
		conditions := make(map[string]Condition, len(rd.Conditions))
		for field, raw := range rd.Conditions {
			cond, err := ParseConditionJSON(raw)
			if err != nil {
				return nil, fmt.Errorf("bundle %s, rule %s, field %s: %w", doc.Name, rd.ID, field, err)
			}
			conditions[field] = cond
		}

		actions := make([]Action, 0, len(rd.Actions))
		for _, a := range rd.Actions {
			actions = append(actions, Action(a))
		}

		rule := &Rule{
			ID:         rd.ID,
			Conditions: conditions,
			Actions:    actions,
			Priority:   rd.Priority,
			GuardSrc:   rd.Guard,
		}
		if err := ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", doc.Name, err)
		}
		bundle.Rules = append(bundle.Rules, rule)
	}
	return bundle, nil
}

// LoadFile loads a bundle from a JSON file.
func (l *Loader) LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle %s: %w", path, err)
	}
	bundle, err := l.LoadBytes(data)
	if err != nil {
		return nil, err
	}
	if bundle.Name == "" {
		bundle.Name = filepath.Base(path)
	}
	return bundle, nil
}

// LoadDir loads every *.json bundle in a directory and returns the merged
// rule list.
func (l *Loader) LoadDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle dir %s: %w", dir, err)
	}

	rules := make([]*Rule, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		bundle, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		l.log.Info("loaded rule bundle", "name", bundle.Name, "rules", len(bundle.Rules))
		rules = append(rules, bundle.Rules...)
	}
	return rules, nil
}
