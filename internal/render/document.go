package render

import (
	"errors"
	"strings"
)

// ErrEmptyDocument is returned when there is nothing to render
var ErrEmptyDocument = errors.New("document has no entries")

// Document is a finished journal ready for layout
type Document struct {
	Title     string
	Author    string
	Theme     string
	CoverNote string
	Entries   []Entry
}

// Entry is one day of the journal
type Entry struct {
	Day         int
	Title       string
	Prompt      string
	Reflection  string
	ImagePrompt string
}

func (d Document) validate() error {
	if len(d.Entries) == 0 {
		return ErrEmptyDocument
	}
	return nil
}

func (d Document) title() string {
	if t := strings.TrimSpace(d.Title); t != "" {
		return t
	}
	if d.Theme != "" {
		return "A Journal of " + d.Theme
	}
	return "Journal"
}

// paragraphs splits text on blank lines
func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
