// Package manifest loads task batches from YAML.
//
// A manifest is checked against an embedded CUE schema before it is decoded,
// so unknown fields, unknown kinds and malformed durations are reported with
// their location instead of being silently dropped:
//
//	version: 1
//	defaults:
//	  timeout: 10m
//	tasks:
//	  - id: T-1
//	    kind: implement
//	    writes: [src/parser.go]
//	    command: make parser
//	  - id: T-2
//	    kind: test
//	    reads: [src/parser.go]
//	    depends_on: [T-1]
//	    command: go test ./src/...
//
// Graph checks (duplicate ids, unknown dependencies, cycles) are left to
// orchestrator.BuildPlan.
package manifest

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tessera/internal/orchestrator"
)

//go:embed schema.cue
var schemaSource string

// Defaults fill fields a task leaves empty.
type Defaults struct {
	Agent   string        `yaml:"agent"`
	Timeout time.Duration `yaml:"timeout"`
}

// Manifest is a decoded task batch.
type Manifest struct {
	Version  int                 `yaml:"version"`
	Defaults Defaults            `yaml:"defaults"`
	Tasks    []orchestrator.Task `yaml:"tasks"`
}

// Error lists every schema problem found in one manifest.
type Error struct {
	Source   string
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

// IsError reports whether err is (or wraps) a manifest Error.
func IsError(err error) bool {
	var me *Error
	return errors.As(err, &me)
}

// cueMu serializes use of the shared cue.Context, which is not safe for
// concurrent use.
var (
	cueMu      sync.Mutex
	schemaOnce sync.Once
	cueCtx     *cue.Context
	schema     cue.Value
	schemaErr  error
)

func manifestSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		cueCtx = cuecontext.New()
		v := cueCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", err)
			return
		}
		schema = v.LookupPath(cue.ParsePath("#Manifest"))
	})
	return cueCtx, schema, schemaErr
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data against the schema and decodes it. source names the
// manifest in errors.
func Parse(source string, data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &Error{Source: source, Problems: []string{"empty manifest"}}
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Source: source, Problems: []string{err.Error()}}
	}
	if err := validate(raw); err != nil {
		var me *Error
		if errors.As(err, &me) {
			me.Source = source
		}
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &Error{Source: source, Problems: []string{err.Error()}}
	}
	for i := range m.Tasks {
		t := &m.Tasks[i]
		if t.Agent == "" {
			t.Agent = m.Defaults.Agent
		}
		if t.Timeout == 0 {
			t.Timeout = m.Defaults.Timeout
		}
	}
	return &m, nil
}

func validate(raw any) error {
	cueMu.Lock()
	defer cueMu.Unlock()
	ctx, s, err := manifestSchema()
	if err != nil {
		return err
	}
	data := ctx.Encode(raw)
	if err := data.Err(); err != nil {
		return &Error{Problems: problems(err)}
	}
	if err := s.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return &Error{Problems: problems(err)}
	}
	return nil
}

func problems(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if path := strings.Join(e.Path(), "."); path != "" && !strings.HasPrefix(msg, path) {
			msg = path + ": " + msg
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}
