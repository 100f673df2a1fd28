package skills

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/roach88/capsule/internal/ir"
)

//go:embed manifest.cue
var manifestSchema string

// Manifest is the parsed manifest.yaml of a mod package.
type Manifest struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Version     string        `yaml:"version" json:"version"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string        `yaml:"author,omitempty" json:"author,omitempty"`
	Permissions Permissions   `yaml:"permissions" json:"permissions"`
	Tables      []ir.TableDef `yaml:"tables,omitempty" json:"tables,omitempty"`
}

// Permissions declares what a mod's scripts may do.
type Permissions struct {
	// Scripting must be true for the mod's scripts to run.
	Scripting bool `yaml:"scripting" json:"scripting"`

	// Tables restricts script writes and watches. Empty allows all.
	Tables []string `yaml:"tables,omitempty" json:"tables,omitempty"`
}

var (
	// schemaMu guards schemaCtx, which is not safe for concurrent use.
	schemaMu    sync.Mutex
	schemaOnce  sync.Once
	schemaCtx   *cue.Context
	schemaValue cue.Value
	schemaErr   error
)

// manifestDef returns the compiled #Manifest definition. Callers hold
// schemaMu.
func manifestDef() (cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(manifestSchema, cue.Filename("manifest.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", err)
			return
		}
		schemaValue = v.LookupPath(cue.ParsePath("#Manifest"))
	})
	return schemaValue, schemaErr
}

// ParseManifest decodes and validates manifest YAML. Schema violations
// and malformed versions are validation errors.
func ParseManifest(data []byte) (*Manifest, error) {
	const op = "parse manifest"

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ir.Error{Kind: ir.KindValidation, Op: op, Message: "invalid YAML", Err: err}
	}
	if raw == nil {
		return nil, ir.NewError(ir.KindValidation, op, "manifest is empty")
	}

	if err := validateManifest(raw); err != nil {
		return nil, &ir.Error{Kind: ir.KindValidation, Op: op, Message: "schema violation", Err: err}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ir.Error{Kind: ir.KindValidation, Op: op, Message: "decode", Err: err}
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, &ir.Error{Kind: ir.KindValidation, Op: op, Message: fmt.Sprintf("version %q", m.Version), Err: err}
	}
	return &m, nil
}

// validateManifest unifies raw with the schema and reports every
// violation.
func validateManifest(raw map[string]any) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	def, err := manifestDef()
	if err != nil {
		return err
	}
	v := schemaCtx.Encode(raw)
	if err := v.Err(); err != nil {
		return err
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError flattens CUE's error list into one line per violation.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// SemVer returns the parsed manifest version.
func (m *Manifest) SemVer() *semver.Version {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil
	}
	return v
}
