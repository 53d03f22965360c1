// Package unitfile reads unit definitions from YAML and validates compiled
// units before they are stored, whether they arrive from a file or over
// the API.
//
//	units:
//	  - name: Escalate urgent mail
//	    owner_id: user-1
//	    when: {source: gmail, event: email.received, filter: 'from.email endsWith "@acme.io"'}
//	    if:
//	      - type: semantic
//	        input_template: "{{payload.subject}} {{payload.snippet}}"
//	        prompt: urgent
//	        expected: [yes]
//	    then:
//	      - tool: http.request
//	        args: {url: "https://hooks.example.com/escalate", body: {subject: "{{payload.subject}}"}}
package unitfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/shikake/internal/action"
	"github.com/ashita-ai/shikake/internal/expr"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/recordfilter"
)

// ErrInvalidUnit wraps every validation failure.
var ErrInvalidUnit = errors.New("invalid unit")

// File is a parsed unit document.
type File struct {
	Units []Unit `yaml:"units"`
}

// Unit is one unit as written by an author.
type Unit struct {
	Name    string            `yaml:"name"`
	OwnerID string            `yaml:"owner_id"`
	Status  model.UnitStatus  `yaml:"status,omitempty"`
	When    model.Trigger     `yaml:"when"`
	If      []model.Condition `yaml:"if,omitempty"`
	Then    []model.Action    `yaml:"then"`
	// Raw* carry the natural-language source the unit was compiled from.
	RawWhen string `yaml:"raw_when,omitempty"`
	RawIf   string `yaml:"raw_if,omitempty"`
	RawThen string `yaml:"raw_then,omitempty"`
}

// Creator stores units. storage.Store satisfies it.
type Creator interface {
	CreateUnit(ctx context.Context, req model.CreateUnitRequest) (model.Unit, error)
}

// Load reads and parses the file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("unitfile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a unit document. Unknown keys are rejected so typos in
// field names do not silently drop a condition.
func Parse(data []byte) (File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, fmt.Errorf("unitfile: document is empty")
		}
		return File{}, fmt.Errorf("unitfile: parse: %w", err)
	}
	return f, nil
}

// Requests converts and validates every unit in the file. All problems are
// reported together.
func (f File) Requests() ([]model.CreateUnitRequest, error) {
	if len(f.Units) == 0 {
		return nil, fmt.Errorf("unitfile: no units defined")
	}
	reqs := make([]model.CreateUnitRequest, 0, len(f.Units))
	var errs []error
	for i, u := range f.Units {
		req := u.Request()
		if err := Validate(req); err != nil {
			errs = append(errs, fmt.Errorf("units[%d] %q: %w", i, u.Name, err))
			continue
		}
		reqs = append(reqs, req)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("unitfile: %w", err)
	}
	return reqs, nil
}

// Request converts u to a create request, defaulting the trigger type.
func (u Unit) Request() model.CreateUnitRequest {
	when := u.When
	if when.Type == "" {
		when.Type = model.TriggerTypeEvent
	}
	return model.CreateUnitRequest{
		OwnerID:      u.OwnerID,
		Name:         u.Name,
		RawWhen:      u.RawWhen,
		RawIf:        u.RawIf,
		RawThen:      u.RawThen,
		CompiledWhen: when,
		CompiledIf:   u.If,
		CompiledThen: u.Then,
		Status:       u.Status,
	}
}

// Import validates every unit first and stores them only if all are valid.
func Import(ctx context.Context, c Creator, f File) ([]model.Unit, error) {
	reqs, err := f.Requests()
	if err != nil {
		return nil, err
	}
	out := make([]model.Unit, 0, len(reqs))
	for _, req := range reqs {
		u, err := c.CreateUnit(ctx, req)
		if err != nil {
			return out, fmt.Errorf("unitfile: create %q: %w", req.Name, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// Validate checks a compiled unit: structure and size limits, trigger filter
// and eval expressions must compile, semantic conditions need expected
// answers, and records.filter steps with literal conditions need valid
// indexed logic. Condition types this build does not know are accepted;
// they are evaluated according to the unknown-condition policy.
func Validate(req model.CreateUnitRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUnit, err)
	}
	if err := model.ValidateUnitLimits(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUnit, err)
	}
	if f := req.CompiledWhen.Filter; f != "" {
		if _, err := expr.Compile(f); err != nil {
			return fmt.Errorf("%w: compiled_when.filter: %w", ErrInvalidUnit, err)
		}
	}
	for i, c := range req.CompiledIf {
		switch c.Type {
		case model.ConditionEval:
			if _, err := expr.Compile(c.Expression); err != nil {
				return fmt.Errorf("%w: compiled_if[%d]: %w", ErrInvalidUnit, i, err)
			}
		case model.ConditionSemantic:
			if len(c.Expected) == 0 {
				return fmt.Errorf("%w: compiled_if[%d]: semantic condition needs at least one expected answer", ErrInvalidUnit, i)
			}
			if strings.TrimSpace(c.Prompt) == "" {
				return fmt.Errorf("%w: compiled_if[%d]: semantic condition needs a prompt or prompt key", ErrInvalidUnit, i)
			}
		case "":
			return fmt.Errorf("%w: compiled_if[%d]: type is required", ErrInvalidUnit, i)
		}
	}
	for i, a := range req.CompiledThen {
		if a.Tool != action.TypeRecordsFilter {
			continue
		}
		if err := validateRecordFilter(a.Args); err != nil {
			return fmt.Errorf("%w: compiled_then[%d]: %w", ErrInvalidUnit, i, err)
		}
	}
	return nil
}

// validateRecordFilter checks the logic of a records.filter step whose
// conditions are written inline. Templated conditions are only known at run
// time and are checked when the step executes.
func validateRecordFilter(args map[string]any) error {
	raw, ok := args["conditions"].([]any)
	if !ok {
		return nil
	}
	logic, _ := args["logic"].(string)
	if strings.Contains(logic, "{{") {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("records.filter conditions: %w", err)
	}
	var conds []recordfilter.FieldCondition
	if err := json.Unmarshal(data, &conds); err != nil {
		return fmt.Errorf("records.filter conditions must be a list of {field, operator, value}")
	}
	_, err = recordfilter.New(conds, logic)
	return err
}
