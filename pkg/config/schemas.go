package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names known to every registry.
const (
	SchemaRulePack = "rulepack"
	SchemaRule     = "rule"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry creates a registry sharing ctx, so its schemas can be
// unified with values compiled by the same parser.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaRulePack, builtinRulePackSchema, "#RulePack"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaRule, builtinRulePackSchema, "#Rule"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles a CUE source and registers the definition at
// path under name. An empty path registers the whole value.
func (sr *SchemaRegistry) RegisterSchema(name, schema, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if path != "" {
		val = val.LookupPath(cue.ParsePath(path))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, path)
		}
	}

	sr.schemas[name] = val
	return nil
}

// IsSchemaFile reports whether filename is the source name a registered
// schema was compiled under.
func (sr *SchemaRegistry) IsSchemaFile(filename string) bool {
	name, ok := strings.CutSuffix(filename, ".cue")
	if !ok {
		return false
	}
	_, ok = sr.GetSchema(name)
	return ok
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidatePack validates a decoded pack against the rule pack schema.
func (sr *SchemaRegistry) ValidatePack(ctx context.Context, pack *Pack) error {
	return sr.ValidateAgainstSchema(ctx, SchemaRulePack, pack)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinRulePackSchema = `
#Name: string & =~"^[A-Za-z_][A-Za-z0-9_.-]*$"

#Rule: {
	name:         #Name
	description?: string

	// Position among siblings. Parallel rules cannot be ordered.
	order?: int & >=0

	skip?:      bool
	terminate?: bool
	async?:     bool
	parallel?:  bool

	// Starlark expression over model
	when?: string

	// Rego query, e.g. data.rules.vip.allow
	policy?: string & =~"^data\\."

	script?:  string
	timeout?: string & =~"^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)$"

	rules?: [...#Rule]
}

#RulePack: {
	name:         string & !=""
	version?:     string
	description?: string

	engine?: {
		async?:                     bool
		invoke_nested_rules_first?: bool
		max_parallel?:              int & >=0
	}

	policies?: [...string]

	rules: [#Rule, ...#Rule]
}
`
