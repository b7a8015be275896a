package agents

import (
	"fmt"
	"strings"

	"github.com/journalcraft/journal-crew/pkg/types"
)

const (
	researchTemperature = 0.3
	researchMaxTokens   = 1500

	curationTemperature = 0.7
	curationMaxTokens   = 8000

	editingTemperature = 0.6
	editingMaxTokens   = 8000

	mediaTemperature = 0.8
	mediaMaxTokens   = 3000
)

var insightsByDepth = map[string]int{
	"light":  3,
	"medium": 6,
	"deep":   10,
}

func insightCount(depth string) int {
	if n, ok := insightsByDepth[depth]; ok {
		return n
	}
	return insightsByDepth["medium"]
}

const researchSystemPrompt = `You are a research assistant for a guided journaling publisher.
Find well-established ideas from psychology, philosophy and wellbeing research
that help readers reflect on a theme. Be factual and avoid speculation.
Return a valid JSON response.`

func researchPrompt(p types.Preferences) string {
	return fmt.Sprintf(`Research the journaling theme %q.

Provide exactly %d distinct insights a reader could reflect on, each one or two sentences.
List the sources (books, studies or authors) the insights draw on.

Return a JSON response with the following structure:
{
  "summary": "one paragraph overview",
  "insights": ["insight1", "insight2", ...],
  "sources": ["source1", ...]
}`, p.Theme, insightCount(p.ResearchDepth))
}

const curationSystemPrompt = `You are a curator designing a day-by-day guided journal.
Each day has a short title, one reflective prompt and a short reflection that
introduces it. Days build on each other. Return a valid JSON response.`

func curationPrompt(p types.Preferences, days int, research string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Design a %d-day journal on the theme %q.\n", days, p.Theme)
	fmt.Fprintf(&b, "The journal title should follow this style: %s.\n", p.TitleStyle)
	if research != "" {
		fmt.Fprintf(&b, "\nBase the entries on this research:\n%s\n", research)
	}
	fmt.Fprintf(&b, `
Return exactly %d entries, numbered from day 1, as JSON with the following structure:
{
  "title": "journal title",
  "entries": [{"day": 1, "title": "...", "prompt": "...", "reflection": "..."}, ...]
}`, days)
	return b.String()
}

const editingSystemPrompt = `You are an editor who rewrites journal entries in a requested voice.
Keep every day and its meaning; change only the wording. Return a valid JSON response.`

func editingPrompt(p types.Preferences, days int, journal string) string {
	return fmt.Sprintf(`Rewrite this journal in the voice of: %s.
Keep the title style (%s) and keep all %d days in order.

Journal:
%s

Return JSON with the same structure:
{
  "title": "journal title",
  "entries": [{"day": 1, "title": "...", "prompt": "...", "reflection": "..."}, ...]
}`, p.AuthorStyle, p.TitleStyle, days, journal)
}

const mediaSystemPrompt = `You are an art director writing prompts for an illustrator.
Describe one calm, simple image per journal day and a cover image. Return a valid JSON response.`

func mediaPrompt(p types.Preferences, journal string) string {
	return fmt.Sprintf(`Write image prompts for a journal on %q.

Journal:
%s

Return JSON with the following structure:
{
  "cover_prompt": "...",
  "images": [{"day": 1, "prompt": "..."}, ...]
}`, p.Theme, journal)
}
