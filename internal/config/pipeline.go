package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage names understood by the agent crew
const (
	StageResearch  = "research"
	StageCuration  = "curation"
	StageEditing   = "editing"
	StageMedia     = "media"
	StagePDFBuild  = "pdf_build"
	StageEPUBBuild = "epub_build"
)

var knownStages = map[string]bool{
	StageResearch:  true,
	StageCuration:  true,
	StageEditing:   true,
	StageMedia:     true,
	StagePDFBuild:  true,
	StageEPUBBuild: true,
}

var renderStages = map[string]bool{
	StagePDFBuild:  true,
	StageEPUBBuild: true,
}

// StageDef declares one pipeline stage: its name, its share of the progress
// bar and an optional timeout overriding the default.
type StageDef struct {
	Name    string        `yaml:"name"`
	Weight  int           `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// pipelineFile is the on-disk layout of JOURNAL_PIPELINE_PATH
type pipelineFile struct {
	Stages []StageDef `yaml:"stages"`
}

// DefaultPipeline returns the built-in five stage pipeline
func DefaultPipeline(timeout time.Duration) []StageDef {
	return []StageDef{
		{Name: StageResearch, Weight: 20, Timeout: timeout},
		{Name: StageCuration, Weight: 30, Timeout: timeout},
		{Name: StageEditing, Weight: 20, Timeout: timeout},
		{Name: StageMedia, Weight: 15, Timeout: timeout},
		{Name: StagePDFBuild, Weight: 15, Timeout: timeout},
	}
}

// LoadPipeline reads a YAML pipeline definition. Stages without a timeout get
// defaultTimeout.
func LoadPipeline(path string, defaultTimeout time.Duration) ([]StageDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pipeline file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipeline(data, defaultTimeout)
}

// ParsePipeline decodes and validates a YAML pipeline definition
func ParsePipeline(data []byte, defaultTimeout time.Duration) ([]StageDef, error) {
	if len(data) == 0 {
		return nil, errors.New("pipeline file is empty")
	}

	var file pipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline YAML: %w", err)
	}

	for i := range file.Stages {
		if file.Stages[i].Timeout == 0 {
			file.Stages[i].Timeout = defaultTimeout
		}
	}

	if err := ValidatePipeline(file.Stages); err != nil {
		return nil, err
	}
	return file.Stages, nil
}

// ValidatePipeline checks that stages are known and unique, that weights are
// positive and sum to 100, and that render stages come after every content stage.
func ValidatePipeline(defs []StageDef) error {
	if len(defs) == 0 {
		return errors.New("pipeline must declare at least one stage")
	}

	seen := make(map[string]bool, len(defs))
	total := 0
	rendering := false
	for i, d := range defs {
		if !knownStages[d.Name] {
			return fmt.Errorf("stage %d: unknown stage %q", i, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("stage %d: duplicate stage %q", i, d.Name)
		}
		seen[d.Name] = true

		if d.Weight <= 0 {
			return fmt.Errorf("stage %q: weight must be positive, got %d", d.Name, d.Weight)
		}
		if d.Timeout < 0 {
			return fmt.Errorf("stage %q: timeout must not be negative", d.Name)
		}
		total += d.Weight

		if renderStages[d.Name] {
			rendering = true
		} else if rendering {
			return fmt.Errorf("stage %q must run before the render stages", d.Name)
		}
	}

	if total != 100 {
		return fmt.Errorf("stage weights must sum to 100, got %d", total)
	}
	return nil
}
