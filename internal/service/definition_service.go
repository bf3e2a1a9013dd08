package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/haatos/simple-dispatch/internal/store"
	"go.uber.org/zap"
)

type DefinitionService struct {
	definitionStore store.DefinitionStore
	logger          *zap.Logger
}

func NewDefinitionService(s store.DefinitionStore, logger *zap.Logger) *DefinitionService {
	return &DefinitionService{definitionStore: s, logger: logger.Named("definitions")}
}

// ParseDefinitions decodes a YAML definitions document and checks it for
// missing or duplicated names.
func ParseDefinitions(r io.Reader) (*store.Definitions, error) {
	defs := new(store.Definitions)
	if err := yaml.NewDecoder(r, yaml.Strict()).Decode(defs); err != nil {
		if errors.Is(err, io.EOF) {
			return defs, nil
		}
		return nil, NewBadRequestError("invalid definitions: %s", yaml.FormatError(err, false, true))
	}
	if err := validateDefinitions(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func validateDefinitions(defs *store.Definitions) error {
	var problems []string
	unique := func(kind string, seen map[string]bool, name string) {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, fmt.Sprintf("%s without a name", kind))
			return
		}
		if seen[name] {
			problems = append(problems, fmt.Sprintf("duplicate %s %q", kind, name))
		}
		seen[name] = true
	}

	environments := make(map[string]bool)
	for _, e := range defs.Environments {
		unique("environment", environments, e.Name)
	}
	pipelines := make(map[string]bool)
	for _, p := range defs.Pipelines {
		unique("pipeline", pipelines, p.Name)
		params := make(map[string]bool)
		for _, d := range p.Parameters {
			unique("parameter of pipeline "+p.Name, params, d.Name)
			problems = append(problems, checkParameter(p.Name, d)...)
		}
		for i, step := range p.Steps {
			if strings.TrimSpace(step.Name) == "" || strings.TrimSpace(step.Command) == "" {
				problems = append(problems, fmt.Sprintf(
					"step %d of pipeline %q needs a name and a command", i+1, p.Name,
				))
			}
		}
	}
	releases := make(map[string]bool)
	for _, r := range defs.Releases {
		unique("release", releases, r.Name)
		stages := make(map[string]bool)
		for _, s := range r.Stages {
			unique("stage of release "+r.Name, stages, s.Name)
			if s.Environment == "" {
				problems = append(problems, fmt.Sprintf("stage %q of release %q has no environment", s.Name, r.Name))
			}
		}
	}
	if len(problems) > 0 {
		return NewBadRequestError("invalid definitions: %s", strings.Join(problems, "; "))
	}
	return nil
}

func checkParameter(pipeline string, d store.ParameterDefinition) []string {
	param := d.Parameter()
	if !param.Type.Valid() {
		return []string{fmt.Sprintf(
			"parameter %q of pipeline %q has unknown type %q", d.Name, pipeline, d.Type,
		)}
	}
	var problems []string
	if param.Type == store.ParameterChoice && len(param.Choices) == 0 {
		problems = append(problems, fmt.Sprintf(
			"choice parameter %q of pipeline %q has no choices", d.Name, pipeline,
		))
	}
	if param.DefaultValue != nil {
		if err := param.CheckValue(*param.DefaultValue); err != nil {
			problems = append(problems, fmt.Sprintf("pipeline %q default: %s", pipeline, err))
		}
	}
	return problems
}

func (s *DefinitionService) ImportDefinitions(
	ctx context.Context,
	r io.Reader,
) (*store.ImportSummary, error) {
	defs, err := ParseDefinitions(r)
	if err != nil {
		return nil, err
	}
	summary, err := s.definitionStore.ImportDefinitions(ctx, defs)
	if err != nil {
		if errors.Is(err, store.ErrUnknownAgent) || errors.Is(err, store.ErrUnknownEnvironment) {
			return nil, &Error{Kind: KindBadRequest, Message: err.Error(), Err: err}
		}
		return nil, NewInternalError(err, "error importing definitions")
	}
	s.logger.Info("definitions imported",
		zap.Int("environments", summary.Environments),
		zap.Int("pipelines", summary.Pipelines),
		zap.Int("releases", summary.Releases),
		zap.Int("stages", summary.Stages),
	)
	return summary, nil
}

func (s *DefinitionService) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	pipelines, err := s.definitionStore.ListPipelines(ctx)
	if err != nil {
		return nil, NewInternalError(err, "error listing pipelines")
	}
	return pipelines, nil
}

func (s *DefinitionService) ListReleases(ctx context.Context) ([]*store.Release, error) {
	releases, err := s.definitionStore.ListReleases(ctx)
	if err != nil {
		return nil, NewInternalError(err, "error listing releases")
	}
	return releases, nil
}
