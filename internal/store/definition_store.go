package store

import "context"

type ImportSummary struct {
	Environments int `json:"environments"`
	Pipelines    int `json:"pipelines"`
	Releases     int `json:"releases"`
	Stages       int `json:"stages"`
}

type DefinitionStore interface {
	ImportDefinitions(context.Context, *Definitions) (*ImportSummary, error)
	ListPipelines(context.Context) ([]*Pipeline, error)
	ListReleases(context.Context) ([]*Release, error)
}
