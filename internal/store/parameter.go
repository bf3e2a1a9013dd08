package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

type ParameterType string

const (
	ParameterString  ParameterType = "string"
	ParameterNumber  ParameterType = "number"
	ParameterBoolean ParameterType = "boolean"
	ParameterChoice  ParameterType = "choice"
)

func (t ParameterType) Valid() bool {
	switch t {
	case ParameterString, ParameterNumber, ParameterBoolean, ParameterChoice:
		return true
	}
	return false
}

// ParameterChoices is stored as a JSON array in a text column.
type ParameterChoices []string

func (c *ParameterChoices) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*c = ParameterChoices{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("cannot scan %T into ParameterChoices", src)
	}
	choices := make(ParameterChoices, 0)
	if err := json.Unmarshal(b, &choices); err != nil {
		return err
	}
	*c = choices
	return nil
}

func (c ParameterChoices) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type PipelineParameter struct {
	ParameterID  int64            `json:"parameter_id"`
	PipelineID   int64            `json:"pipeline_id"`
	Name         string           `json:"name"`
	Type         ParameterType    `json:"type"`
	DefaultValue *string          `json:"default_value"`
	Required     bool             `json:"required"`
	Description  string           `json:"description"`
	Choices      ParameterChoices `json:"choices"`
	ParamOrder   int64            `json:"-"`
}

// CheckValue reports why v is not an acceptable value for the parameter.
func (p *PipelineParameter) CheckValue(v string) error {
	switch p.Type {
	case ParameterNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("parameter %s expects a number, got %q", p.Name, v)
		}
	case ParameterBoolean:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("parameter %s expects a boolean, got %q", p.Name, v)
		}
	case ParameterChoice:
		if !slices.Contains(p.Choices, v) {
			return fmt.Errorf("parameter %s expects one of %v, got %q", p.Name, []string(p.Choices), v)
		}
	}
	return nil
}

// ResolveParameters fills defaults into the requested values and checks each
// defined parameter. Values for parameters that are not defined pass through.
func ResolveParameters(
	defined []*PipelineParameter,
	requested map[string]string,
) (map[string]string, error) {
	resolved := make(map[string]string, len(requested)+len(defined))
	for name, v := range requested {
		resolved[name] = v
	}
	for _, p := range defined {
		v, ok := resolved[p.Name]
		if !ok && p.DefaultValue != nil {
			v, ok = *p.DefaultValue, true
			resolved[p.Name] = v
		}
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %s", p.Name)
			}
			continue
		}
		if err := p.CheckValue(v); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

type PipelineStep struct {
	StepID     int64  `json:"step_id"`
	PipelineID int64  `json:"pipeline_id"`
	Name       string `json:"name"`
	Command    string `json:"command"`
	StepOrder  int64  `json:"step_order"`
}

type ParameterDefinition struct {
	Name        string        `yaml:"name"`
	Type        ParameterType `yaml:"type"`
	Default     *string       `yaml:"default"`
	Required    bool          `yaml:"required"`
	Description string        `yaml:"description"`
	Choices     []string      `yaml:"choices"`
}

// Parameter converts the definition to its stored form. An empty type is a string.
func (d ParameterDefinition) Parameter() *PipelineParameter {
	t := d.Type
	if t == "" {
		t = ParameterString
	}
	return &PipelineParameter{
		Name:         d.Name,
		Type:         t,
		DefaultValue: d.Default,
		Required:     d.Required,
		Description:  d.Description,
		Choices:      ParameterChoices(d.Choices),
	}
}

type StepDefinition struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}
