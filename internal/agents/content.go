package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/journalcraft/journal-crew/internal/config"
	"github.com/journalcraft/journal-crew/internal/llm"
	"github.com/journalcraft/journal-crew/internal/pipeline"
)

func (c *Crew) research(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
	var r Research
	err := c.completeJSON(ctx, sc, config.StageResearch, llm.CompletionRequest{
		System:      researchSystemPrompt,
		Prompt:      researchPrompt(sc.Preferences),
		Temperature: researchTemperature,
		MaxTokens:   researchMaxTokens,
	}, &r)
	if err != nil {
		return pipeline.StageOutput{}, err
	}

	r.Insights = nonEmpty(r.Insights)
	if len(r.Insights) == 0 {
		return pipeline.StageOutput{}, fmt.Errorf("research returned no insights")
	}
	if want := insightCount(sc.Preferences.ResearchDepth); len(r.Insights) > want {
		r.Insights = r.Insights[:want]
	}
	r.Sources = nonEmpty(r.Sources)

	return pipeline.JSONOutput(r)
}

func (c *Crew) curate(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
	days := c.days()
	var j Journal
	err := c.completeJSON(ctx, sc, config.StageCuration, llm.CompletionRequest{
		System:      curationSystemPrompt,
		Prompt:      curationPrompt(sc.Preferences, days, c.priorContext(sc, config.StageResearch)),
		Temperature: curationTemperature,
		MaxTokens:   curationMaxTokens,
	}, &j)
	if err != nil {
		return pipeline.StageOutput{}, err
	}

	if err := j.fit(days); err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("curation: %w", err)
	}
	return pipeline.JSONOutput(j)
}

func (c *Crew) edit(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
	draft, err := journalSource(sc)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	days := len(draft.Entries)

	var j Journal
	err = c.completeJSON(ctx, sc, config.StageEditing, llm.CompletionRequest{
		System:      editingSystemPrompt,
		Prompt:      editingPrompt(sc.Preferences, days, c.priorContext(sc, config.StageCuration)),
		Temperature: editingTemperature,
		MaxTokens:   editingMaxTokens,
	}, &j)
	if err != nil {
		return pipeline.StageOutput{}, err
	}

	if err := j.fit(days); err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("editing: %w", err)
	}
	if j.Title == "" {
		j.Title = draft.Title
	}
	return pipeline.JSONOutput(j)
}

func (c *Crew) media(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
	source := config.StageEditing
	if _, ok := sc.Result(source); !ok {
		source = config.StageCuration
	}

	var m MediaPlan
	err := c.completeJSON(ctx, sc, config.StageMedia, llm.CompletionRequest{
		System:      mediaSystemPrompt,
		Prompt:      mediaPrompt(sc.Preferences, c.priorContext(sc, source)),
		Temperature: mediaTemperature,
		MaxTokens:   mediaMaxTokens,
	}, &m)
	if err != nil {
		return pipeline.StageOutput{}, err
	}

	m.CoverPrompt = strings.TrimSpace(m.CoverPrompt)
	images := m.Images[:0]
	for _, img := range m.Images {
		if img.Day > 0 && strings.TrimSpace(img.Prompt) != "" {
			images = append(images, img)
		}
	}
	m.Images = images
	if m.CoverPrompt == "" && len(m.Images) == 0 {
		return pipeline.StageOutput{}, fmt.Errorf("media returned no image prompts")
	}
	return pipeline.JSONOutput(m)
}

// fit renumbers the entries and trims extras. Fewer entries than days is an error.
func (j *Journal) fit(days int) error {
	j.Title = strings.TrimSpace(j.Title)
	entries := j.Entries[:0]
	for _, e := range j.Entries {
		if strings.TrimSpace(e.Prompt) == "" && strings.TrimSpace(e.Reflection) == "" {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) < days {
		return fmt.Errorf("got %d entries, want %d", len(entries), days)
	}
	j.Entries = entries[:days]
	for i := range j.Entries {
		j.Entries[i].Day = i + 1
	}
	return nil
}

func nonEmpty(items []string) []string {
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
