package config

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Schema definition names.
const (
	SchemaConfig = "#Config"
	SchemaRule   = "#Rule"
)

// SchemaRegistry holds the compiled configuration schema. Values checked
// against it must be built with the registry's context.
type SchemaRegistry struct {
	ctx    *cue.Context
	schema cue.Value
	mu     sync.Mutex
}

var (
	defaultRegistry     *SchemaRegistry
	defaultRegistryErr  error
	defaultRegistryOnce sync.Once
)

// DefaultSchemaRegistry returns the shared registry for the embedded schema.
func DefaultSchemaRegistry() (*SchemaRegistry, error) {
	defaultRegistryOnce.Do(func() {
		defaultRegistry, defaultRegistryErr = NewSchemaRegistry()
	})
	return defaultRegistry, defaultRegistryErr
}

// NewSchemaRegistry compiles the embedded schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaRegistry{ctx: ctx, schema: schema}, nil
}

// Definition returns a named schema definition such as "#Config".
func (sr *SchemaRegistry) Definition(name string) (cue.Value, bool) {
	def := sr.schema.LookupPath(cue.ParsePath(name))
	return def, def.Exists()
}

// Compile compiles CUE source and unifies it with the named definition.
// Schema violations come back as ValidationErrors.
func (sr *SchemaRegistry) Compile(filename, source, definition string) (cue.Value, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	def, ok := sr.Definition(definition)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", definition)
	}

	val := sr.ctx.CompileString(source, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named definition.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, definition string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	def, ok := sr.Definition(definition)
	if !ok {
		return fmt.Errorf("schema %s not found", definition)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		var ve ValidationError
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		ve.Path = strings.Join(e.Path(), ".")
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}
