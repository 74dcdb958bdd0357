package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads job files. YAML files are decoded with yaml.v3; CUE and JSON
// files are compiled with CUE and checked against the job schema.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a new loader.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(jobSchema, cue.Filename("job_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile job schema: %w", err)
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return jsonName(f.Tag.Get("json"), f.Name)
	})

	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Job")),
		validator: v,
	}, nil
}

// Load reads a job file on top of the defaults. The result is not validated
// so command line overrides can still be applied; call Validate afterwards.
func (l *Loader) Load(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return l.parseYAML(path, data)
	case ".cue", ".json":
		return l.parseCUE(path, data)
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .yaml, .yml, .cue or .json)", ext)
	}
}

// ParseInline parses inline CUE content.
func (l *Loader) ParseInline(content string) (*JobConfig, error) {
	return l.parseCUE("inline", []byte(content))
}

func (l *Loader) parseYAML(path string, data []byte) (*JobConfig, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		ve := ValidationError{File: path, Message: err.Error()}
		var te *yaml.TypeError
		if stderrors.As(err, &te) && len(te.Errors) > 0 {
			ve.Message = strings.Join(te.Errors, "; ")
		}
		return nil, &Error{Errors: []ValidationError{ve}}
	}
	return cfg, nil
}

func (l *Loader) parseCUE(path string, data []byte) (*JobConfig, error) {
	val := l.ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules.
func (l *Loader) Validate(cfg *JobConfig) error {
	var out []ValidationError

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			out = append(out, ValidationError{
				Path:    trimRoot(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	if !cfg.Hosts.HasSource() {
		out = append(out, ValidationError{
			Path:    "hosts",
			Message: "at least one host source (list, files or inventory) is required",
		})
	}
	if !cfg.SSH.HasAuth() {
		out = append(out, ValidationError{
			Path:    "ssh",
			Message: "one of private_key_path, password or use_agent is required",
		})
	}
	if cfg.SSH.KnownHostsPath == "" && !cfg.SSH.InsecureIgnoreHostKey {
		out = append(out, ValidationError{
			Path:    "ssh.known_hosts_path",
			Message: "required unless insecure_ignore_host_key is set",
		})
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.TraceEndpoint == "" {
		out = append(out, ValidationError{
			Path:    "telemetry.trace_endpoint",
			Message: "required for the otlp exporter",
		})
	}
	for i, ext := range cfg.Policy.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			out = append(out, ValidationError{
				Path:    fmt.Sprintf("policy.allowed_extensions[%d]", i),
				Message: fmt.Sprintf("extension %q must start with a dot", ext),
			})
		}
	}

	if len(out) > 0 {
		return &Error{Errors: out}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// trimRoot turns "JobConfig.execution.retries" into "execution.retries".
func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	return validationErrors
}

// jsonName returns the json tag name of a field, falling back to its Go name.
func jsonName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	switch name {
	case "-":
		return ""
	case "":
		return fallback
	}
	return name
}
