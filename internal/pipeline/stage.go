package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/journalcraft/journal-crew/pkg/types"
)

// StageFunc executes one pipeline stage. It must honour ctx; a stage that
// ignores cancellation is abandoned and its late result discarded.
type StageFunc func(ctx context.Context, sc *StageContext) (StageOutput, error)

// Stage is one named step of the linear pipeline
type Stage struct {
	Name    string
	Weight  int
	Timeout time.Duration
	Run     StageFunc
}

// StageContext is the read-only input handed to a stage
type StageContext struct {
	JobID       string
	OwnerID     string
	Preferences types.Preferences

	// Previous holds the results of every stage completed so far, in order
	Previous []types.StageResult
}

// Result returns the output of an earlier stage
func (c *StageContext) Result(name string) (types.StageResult, bool) {
	for _, r := range c.Previous {
		if r.Stage == name {
			return r, true
		}
	}
	return types.StageResult{}, false
}

// DecodeResult unmarshals the JSON output of an earlier stage into v
func (c *StageContext) DecodeResult(name string, v any) error {
	r, ok := c.Result(name)
	if !ok {
		return fmt.Errorf("no result from %s stage", name)
	}
	if err := json.Unmarshal(r.Content, v); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

// StageOutput is what a stage returns on success
type StageOutput struct {
	Kind      string
	Content   json.RawMessage
	Artifacts []types.Artifact
}

// TextOutput wraps plain text
func TextOutput(text string) StageOutput {
	if strings.TrimSpace(text) == "" {
		return StageOutput{Kind: types.ResultKindText}
	}
	data, _ := json.Marshal(text)
	return StageOutput{Kind: types.ResultKindText, Content: data}
}

// JSONOutput marshals v as the stage content
func JSONOutput(v any) (StageOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return StageOutput{}, fmt.Errorf("marshal stage output: %w", err)
	}
	return StageOutput{Kind: types.ResultKindJSON, Content: data}, nil
}

// FileOutput reports produced artifacts with an optional JSON summary
func FileOutput(summary any, artifacts ...types.Artifact) (StageOutput, error) {
	out := StageOutput{Kind: types.ResultKindFile, Artifacts: artifacts}
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return StageOutput{}, fmt.Errorf("marshal stage summary: %w", err)
		}
		out.Content = data
	}
	return out, nil
}

// normalize fills in the kind and rejects unusable results
func (o StageOutput) normalize() (StageOutput, error) {
	if len(o.Content) == 0 && len(o.Artifacts) == 0 {
		return o, ErrEmptyOutput
	}

	if o.Kind == "" {
		switch {
		case len(o.Artifacts) > 0:
			o.Kind = types.ResultKindFile
		case json.Valid(o.Content):
			o.Kind = types.ResultKindJSON
		default:
			o.Kind = types.ResultKindText
		}
	}

	switch o.Kind {
	case types.ResultKindJSON:
		if !json.Valid(o.Content) {
			return o, ErrInvalidJSON
		}
	case types.ResultKindText:
		if !json.Valid(o.Content) {
			data, _ := json.Marshal(string(o.Content))
			o.Content = data
		}
	case types.ResultKindFile:
		if len(o.Content) > 0 && !json.Valid(o.Content) {
			return o, ErrInvalidJSON
		}
	default:
		return o, fmt.Errorf("unknown result kind %q", o.Kind)
	}

	return o, nil
}

// ValidateStages checks the pipeline shape: at least one stage, unique
// names, a function per stage and positive weights summing to 100.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return errors.New("pipeline has no stages")
	}

	seen := make(map[string]bool, len(stages))
	total := 0
	for i, s := range stages {
		if s.Name == "" || s.Name == types.StageNone {
			return fmt.Errorf("stage %d: invalid name %q", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if s.Run == nil {
			return fmt.Errorf("stage %q has no function", s.Name)
		}
		if s.Weight <= 0 {
			return fmt.Errorf("stage %q: weight must be positive, got %d", s.Name, s.Weight)
		}
		total += s.Weight
	}

	if total != 100 {
		return fmt.Errorf("stage weights must sum to 100, got %d", total)
	}
	return nil
}

var researchDepths = map[string]bool{
	"light":  true,
	"medium": true,
	"deep":   true,
}

const maxPreferenceLength = 200

// NormalizePreferences trims the preference fields and checks them.
// All four fields are required; research depth is light, medium or deep.
func NormalizePreferences(p types.Preferences) (types.Preferences, error) {
	p.Theme = strings.TrimSpace(p.Theme)
	p.TitleStyle = strings.TrimSpace(p.TitleStyle)
	p.AuthorStyle = strings.TrimSpace(p.AuthorStyle)
	p.ResearchDepth = strings.ToLower(strings.TrimSpace(p.ResearchDepth))

	fields := []struct {
		name  string
		value string
	}{
		{"theme", p.Theme},
		{"title_style", p.TitleStyle},
		{"author_style", p.AuthorStyle},
		{"research_depth", p.ResearchDepth},
	}
	for _, f := range fields {
		if f.value == "" {
			return p, &ValidationError{Field: f.name, Message: "is required"}
		}
		if len(f.value) > maxPreferenceLength {
			return p, &ValidationError{Field: f.name, Message: fmt.Sprintf("must be at most %d characters", maxPreferenceLength)}
		}
	}

	if !researchDepths[p.ResearchDepth] {
		return p, &ValidationError{Field: "research_depth", Message: "must be one of light, medium, deep"}
	}

	return p, nil
}
