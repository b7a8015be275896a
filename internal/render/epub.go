package render

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	epub "github.com/go-shiori/go-epub"
)

// EPUB packages doc as an EPUB book with a title section and one section per day
func EPUB(doc Document) ([]byte, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}

	title := doc.title()
	book, err := epub.NewEpub(title)
	if err != nil {
		return nil, fmt.Errorf("failed to create EPUB: %w", err)
	}
	book.SetLang("en")
	if doc.Author != "" {
		book.SetAuthor(doc.Author)
	}
	if doc.Theme != "" {
		book.SetDescription(fmt.Sprintf("A %d-day journal on %s.", len(doc.Entries), doc.Theme))
	}

	var intro strings.Builder
	fmt.Fprintf(&intro, "<h1>%s</h1>", html.EscapeString(title))
	if doc.Author != "" {
		fmt.Fprintf(&intro, "<p><em>%s</em></p>", html.EscapeString(doc.Author))
	}
	if doc.CoverNote != "" {
		fmt.Fprintf(&intro, "<p>Cover: %s</p>", html.EscapeString(doc.CoverNote))
	}
	if _, err := book.AddSection(intro.String(), title, "title.xhtml", ""); err != nil {
		return nil, fmt.Errorf("failed to add title section: %w", err)
	}

	for i, e := range doc.Entries {
		day := e.Day
		if day <= 0 {
			day = i + 1
		}
		heading := fmt.Sprintf("Day %d: %s", day, e.Title)

		var body strings.Builder
		fmt.Fprintf(&body, "<h2>%s</h2>", html.EscapeString(heading))
		if e.Prompt != "" {
			fmt.Fprintf(&body, "<blockquote><p>%s</p></blockquote>", html.EscapeString(e.Prompt))
		}
		for _, p := range paragraphs(e.Reflection) {
			fmt.Fprintf(&body, "<p>%s</p>", html.EscapeString(p))
		}
		if e.ImagePrompt != "" {
			fmt.Fprintf(&body, "<p><small>Illustration: %s</small></p>", html.EscapeString(e.ImagePrompt))
		}

		filename := fmt.Sprintf("day-%03d-%d.xhtml", day, i)
		if _, err := book.AddSection(body.String(), heading, filename, ""); err != nil {
			return nil, fmt.Errorf("failed to add section for day %d: %w", day, err)
		}
	}

	var buf bytes.Buffer
	if _, err := book.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write EPUB: %w", err)
	}
	return buf.Bytes(), nil
}
