package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates rule packs written in CUE.
//
// A cue.Context is not safe for concurrent use, so parsing is serialized.
type CUEParser struct {
	mu             sync.Mutex
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// ParsePack parses a rule pack from a .cue file or a directory holding a
// CUE package. Schema violations are returned as ValidationErrors.
func (cp *CUEParser) ParsePack(ctx context.Context, source string) (*Pack, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	var (
		val  cue.Value
		errs []ValidationError
	)
	if info.IsDir() {
		val, errs = cp.loadDirectory(source)
	} else {
		val, errs = cp.loadFile(source)
	}
	if len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	pack, err := cp.extractPack(val)
	if err != nil {
		return nil, err
	}
	pack.Source = source
	return pack, nil
}

// ParseInline parses a rule pack from inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*Pack, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, ValidationErrors(cp.convertCUEErrors(err))
	}

	pack, err := cp.extractPack(val)
	if err != nil {
		return nil, err
	}
	pack.Source = "inline"
	return pack, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extractPack unifies the value with #RulePack, decodes it, and applies
// the struct-level checks CUE cannot express.
func (cp *CUEParser) extractPack(val cue.Value) (*Pack, error) {
	schema, _ := cp.schemaRegistry.GetSchema(SchemaRulePack)

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, ValidationErrors(cp.convertCUEErrors(err))
	}

	var pack Pack
	if err := unified.Decode(&pack); err != nil {
		return nil, fmt.Errorf("failed to decode rule pack: %w", err)
	}

	if errs := structErrors(cp.validator, &pack); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &pack, nil
}

// validatePack checks a pack decoded from another format against #RulePack.
func (cp *CUEParser) validatePack(ctx context.Context, pack *Pack) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.schemaRegistry.ValidatePack(ctx, pack)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			// Unification errors list schema positions first.
			at := pos[0]
			for _, p := range pos {
				if !cp.schemaRegistry.IsSchemaFile(p.Filename()) {
					at = p
					break
				}
			}
			file = at.Filename()
			line = at.Line()
			column = at.Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON exports a pack as indented JSON, the form CUE accepts back.
func ExportJSON(pack *Pack) ([]byte, error) {
	return json.MarshalIndent(pack, "", "  ")
}

// FindPackFiles returns every rule pack file below dir.
func FindPackFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsPackFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
