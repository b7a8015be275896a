// Package agents implements the journal pipeline stages: the LLM-backed
// research, curation, editing and media agents and the PDF/EPUB builders.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/journalcraft/journal-crew/internal/artifacts"
	"github.com/journalcraft/journal-crew/internal/config"
	"github.com/journalcraft/journal-crew/internal/llm"
	"github.com/journalcraft/journal-crew/internal/pipeline"
)

const (
	DefaultDays             = 30
	DefaultMaxContextTokens = 6000
)

// Crew holds what the stages share
type Crew struct {
	LLM       llm.Client
	Artifacts artifacts.Store
	Tokens    *llm.TokenCounter

	// Days is the number of journal entries to produce
	Days int

	// MaxContextTokens bounds the prior-stage context put into each prompt
	MaxContextTokens int
}

// Stages maps the pipeline definition onto stage functions, in order
func (c *Crew) Stages(defs []config.StageDef) ([]pipeline.Stage, error) {
	funcs := map[string]pipeline.StageFunc{
		config.StageResearch:  c.research,
		config.StageCuration:  c.curate,
		config.StageEditing:   c.edit,
		config.StageMedia:     c.media,
		config.StagePDFBuild:  c.buildPDF,
		config.StageEPUBBuild: c.buildEPUB,
	}

	stages := make([]pipeline.Stage, 0, len(defs))
	for _, d := range defs {
		fn, ok := funcs[d.Name]
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", d.Name)
		}
		switch d.Name {
		case config.StagePDFBuild, config.StageEPUBBuild:
			if c.Artifacts == nil {
				return nil, fmt.Errorf("stage %q needs an artifact store", d.Name)
			}
		default:
			if c.LLM == nil {
				return nil, fmt.Errorf("stage %q needs an LLM client", d.Name)
			}
		}
		stages = append(stages, pipeline.Stage{
			Name:    d.Name,
			Weight:  d.Weight,
			Timeout: d.Timeout,
			Run:     fn,
		})
	}
	return stages, nil
}

func (c *Crew) days() int {
	if c.Days > 0 {
		return c.Days
	}
	return DefaultDays
}

// priorContext renders an earlier result for a prompt, cut to the token budget
func (c *Crew) priorContext(sc *pipeline.StageContext, stage string) string {
	r, ok := sc.Result(stage)
	if !ok {
		return ""
	}
	budget := c.MaxContextTokens
	if budget <= 0 {
		budget = DefaultMaxContextTokens
	}
	text := r.Text()
	if n := c.Tokens.Count(text); n > budget {
		slog.Debug("Truncating stage context", "job", sc.JobID, "stage", stage, "tokens", n, "budget", budget)
		text = c.Tokens.Truncate(text, budget)
	}
	return text
}

// completeJSON runs one JSON completion and decodes it into v
func (c *Crew) completeJSON(ctx context.Context, sc *pipeline.StageContext, stage string, req llm.CompletionRequest, v any) error {
	req.JSON = true
	resp, err := c.LLM.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("%s completion: %w", stage, err)
	}
	slog.Debug("Stage completion", "job", sc.JobID, "stage", stage, "tokens", resp.TokensUsed, "model", resp.Model)

	if err := json.Unmarshal([]byte(resp.Content), v); err != nil {
		return fmt.Errorf("%s: %w: %v", stage, pipeline.ErrInvalidJSON, err)
	}
	return nil
}

// journalSource returns the most refined journal available to the builders
func journalSource(sc *pipeline.StageContext) (Journal, error) {
	for _, stage := range []string{config.StageEditing, config.StageCuration} {
		if _, ok := sc.Result(stage); !ok {
			continue
		}
		var j Journal
		if err := sc.DecodeResult(stage, &j); err != nil {
			return Journal{}, err
		}
		return j, nil
	}
	return Journal{}, errNoJournal
}

var errNoJournal = errors.New("no curated journal to render")
