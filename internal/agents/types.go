package agents

// Research is the research stage output
type Research struct {
	Summary  string   `json:"summary"`
	Insights []string `json:"insights"`
	Sources  []string `json:"sources"`
}

// Journal is the curation and editing stage output
type Journal struct {
	Title   string         `json:"title"`
	Entries []JournalEntry `json:"entries"`
}

type JournalEntry struct {
	Day        int    `json:"day"`
	Title      string `json:"title"`
	Prompt     string `json:"prompt"`
	Reflection string `json:"reflection"`
}

// MediaPlan is the media stage output
type MediaPlan struct {
	CoverPrompt string        `json:"cover_prompt"`
	Images      []ImagePrompt `json:"images"`
}

type ImagePrompt struct {
	Day    int    `json:"day"`
	Prompt string `json:"prompt"`
}

// BuildSummary is the JSON content recorded by the render stages
type BuildSummary struct {
	Format string `json:"format"`
	Title  string `json:"title"`
	Days   int    `json:"days"`
	Bytes  int    `json:"bytes"`
}
