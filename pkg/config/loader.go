package config

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/eb4x/puppet-ironic/pkg/pxe"
)

//go:embed schema/config.cue
var schemaSource string

const schemaFile = "schema/config.cue"

// Format is the syntax of a configuration file.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf infers the format from a file name.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported configuration format %q", filepath.Ext(name))
	}
}

// Loader reads configuration files of any supported format and checks
// them against the embedded #Config schema.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
	starlark  *StarlarkEvaluator
	logger    zerolog.Logger
}

// NewLoader compiles the embedded schema.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	ctx := cuecontext.New()
	compiled := ctx.CompileString(schemaSource, cue.Filename(schemaFile))
	if err := compiled.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Loader{
		ctx:       ctx,
		schema:    compiled.LookupPath(cue.ParsePath("#Config")),
		validator: validator.New(),
		starlark:  NewStarlarkEvaluator(0),
		logger:    logger.With().Str("component", "config").Logger(),
	}, nil
}

// Load reads and validates a configuration file.
func (l *Loader) Load(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	doc, err := l.Parse(format, path, data)
	if err != nil {
		return nil, err
	}
	if doc.Overrides != "" && !filepath.IsAbs(doc.Overrides) {
		doc.Overrides = filepath.Join(filepath.Dir(path), doc.Overrides)
	}

	l.logger.Debug().
		Str("file", path).
		Str("format", string(format)).
		Int("hosts", len(doc.Hosts)).
		Msg("Configuration loaded")
	return doc, nil
}

// Parse decodes configuration content. name is used in error positions.
func (l *Loader) Parse(format Format, name string, data []byte) (*Document, error) {
	val, err := l.compile(format, name, data)
	if err != nil {
		return nil, err
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	// The schema fills defaults; decode the unified value.
	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &LoadError{Source: name, Errors: []ValidationError{{File: name, Message: err.Error()}}}
	}

	if err := l.validator.Struct(doc); err != nil {
		var errs []ValidationError
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					File:    name,
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{File: name, Message: err.Error()})
		}
		return nil, &LoadError{Source: name, Errors: errs}
	}

	doc.Source = name
	return &doc, nil
}

func (l *Loader) compile(format Format, name string, data []byte) (cue.Value, error) {
	var val cue.Value
	switch format {
	case FormatCUE, FormatJSON:
		// JSON is a subset of CUE.
		val = l.ctx.CompileBytes(data, cue.Filename(name))
	case FormatYAML:
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cue.Value{}, &LoadError{Source: name, Errors: []ValidationError{{File: name, Message: err.Error()}}}
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		val = l.ctx.Encode(raw)
	default:
		return cue.Value{}, fmt.Errorf("unsupported configuration format %q", format)
	}
	if err := val.Err(); err != nil {
		return cue.Value{}, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}
	return val, nil
}

// ApplyOverrides evaluates the document's override script, if any, for a
// host and merges the result over the document's pxe settings.
func (l *Loader) ApplyOverrides(ctx context.Context, doc *Document, facts pxe.Facts) (pxe.RawConfig, error) {
	raw := doc.PXE
	if doc.Overrides == "" {
		return raw, nil
	}
	script, err := os.ReadFile(doc.Overrides)
	if err != nil {
		return raw, fmt.Errorf("failed to read overrides: %w", err)
	}

	overrides, err := l.starlark.Overrides(ctx, doc.Overrides, string(script), facts, raw)
	if err != nil {
		return raw, err
	}
	if overrides == nil {
		return raw, nil
	}

	// Overrides go through the same schema as the file.
	encoded, err := json.Marshal(map[string]interface{}{"pxe": overrides})
	if err != nil {
		return raw, fmt.Errorf("failed to encode overrides: %w", err)
	}
	patch, err := l.Parse(FormatJSON, doc.Overrides, encoded)
	if err != nil {
		return raw, err
	}
	raw.Merge(patch.PXE)

	l.logger.Debug().
		Str("script", doc.Overrides).
		Str("host", facts.Hostname).
		Int("keys", len(overrides)).
		Msg("Overrides applied")
	return raw, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		// Prefer a position in the user's file over one in the schema.
		for i, pos := range cueerrors.Positions(e) {
			if i > 0 && pos.Filename() == schemaFile {
				continue
			}
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			if pos.Filename() != schemaFile {
				break
			}
		}
		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}
