package policy

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://agentgate/internal/policy/schema.json"

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic("policy: load embedded schema: " + err.Error())
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic("policy: compile embedded schema: " + err.Error())
	}
	return compiled
}

// Loader holds the currently active Policy and supports atomic hot reload:
// a bad document never replaces a good one (mirrors the teacher's
// gosuto.Loader.Apply hot-swap discipline).
type Loader struct {
	mu     sync.RWMutex
	policy *Policy
	hash   string
}

// NewLoader returns an empty Loader with no policy applied yet.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile reads a YAML policy document from disk and applies it.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read file %s: %w", path, err)
	}
	return l.Apply(data)
}

// Apply parses, schema-validates and semantically validates a raw YAML
// policy document, then atomically replaces the live policy. On any
// validation failure the live policy is left untouched.
func (l *Loader) Apply(data []byte) error {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("policy: parse yaml: %w", err)
	}

	if err := validateSchema(&p); err != nil {
		return fmt.Errorf("policy: schema validation: %w", err)
	}
	if err := validateSemantics(&p); err != nil {
		return fmt.Errorf("policy: invalid: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = &p
	l.hash = hash

	slog.Info("policy applied", "upstream", p.Upstream, "mode", p.Mode, "hash", hash[:12])
	return nil
}

// Policy returns the currently active policy, or nil if none has been
// loaded.
func (l *Loader) Policy() *Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// Hash returns the SHA-256 hex digest of the currently applied document.
func (l *Loader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

func validateSchema(p *Policy) error {
	asJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal for validation: %w", err)
	}
	var generic any
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	return compiledSchema.Validate(generic)
}

// validateSemantics catches constraints the JSON Schema can't easily express,
// e.g. that an approval-requiring tool names at least one approver.
func validateSemantics(p *Policy) error {
	if p.Upstream == "" {
		return fmt.Errorf("upstream must not be empty")
	}
	if p.Mode != ModeAllowlist && p.Mode != ModeBlocklist {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeAllowlist, ModeBlocklist, p.Mode)
	}
	for name, tp := range p.Tools {
		if tp.RequiresApproval && len(tp.Approvers) == 0 {
			return fmt.Errorf("tool %q requires approval but lists no approvers", name)
		}
	}
	return nil
}
