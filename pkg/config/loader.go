package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// IsPackFile reports whether path has an extension LoadPack understands.
func IsPackFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Loader loads rule packs from CUE, YAML, or JSON files.
type Loader struct {
	parser    *CUEParser
	validator *validator.Validate
}

// NewLoader creates a pack loader.
func NewLoader() *Loader {
	return &Loader{
		parser:    NewCUEParser(),
		validator: validator.New(),
	}
}

// Parser returns the CUE parser used for .cue packs.
func (l *Loader) Parser() *CUEParser {
	return l.parser
}

// LoadPack loads and validates the pack at path. Directories are loaded as
// CUE packages.
func (l *Loader) LoadPack(ctx context.Context, path string) (*Pack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat pack %s: %w", path, err)
	}
	if info.IsDir() || strings.EqualFold(filepath.Ext(path), ".cue") {
		return l.parser.ParsePack(ctx, path)
	}
	if !IsPackFile(path) {
		return nil, fmt.Errorf("unsupported pack file type: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack %s: %w", path, err)
	}

	pack, err := l.decodeYAML(ctx, data)
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
			return nil, verrs
		}
		return nil, fmt.Errorf("failed to load pack %s: %w", path, err)
	}
	pack.Source = path
	return pack, nil
}

// decodeYAML decodes a YAML or JSON pack and validates it with the same
// schema CUE packs are unified with.
func (l *Loader) decodeYAML(ctx context.Context, data []byte) (*Pack, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pack Pack
	if err := dec.Decode(&pack); err != nil {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}

	if err := l.parser.validatePack(ctx, &pack); err != nil {
		return nil, ValidationErrors{{Message: err.Error(), Severity: "error"}}
	}
	if errs := structErrors(l.validator, &pack); len(errs) > 0 {
		return nil, errs
	}
	return &pack, nil
}

// structErrors runs the struct tag validation and converts the failures.
func structErrors(v *validator.Validate, pack *Pack) ValidationErrors {
	err := v.Struct(pack)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Message: err.Error(), Severity: "error"}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:     strings.TrimPrefix(fe.Namespace(), "Pack."),
			Message:  fmt.Sprintf("failed on the %q check", fe.Tag()),
			Severity: "error",
		})
	}
	return out
}

// LoadDocument reads a YAML or JSON model document.
func LoadDocument(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}

	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}
	return doc, nil
}

// PolicyPaths resolves the pack's policy entries relative to its source file.
func (p *Pack) PolicyPaths() []string {
	base := "."
	if p.Source != "" && p.Source != "inline" {
		base = filepath.Dir(p.Source)
		if info, err := os.Stat(p.Source); err == nil && info.IsDir() {
			base = p.Source
		}
	}

	paths := make([]string, 0, len(p.Policies))
	for _, rel := range p.Policies {
		if filepath.IsAbs(rel) {
			paths = append(paths, rel)
			continue
		}
		paths = append(paths, filepath.Join(base, rel))
	}
	return paths
}
