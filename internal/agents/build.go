package agents

import (
	"context"
	"fmt"

	"github.com/journalcraft/journal-crew/internal/config"
	"github.com/journalcraft/journal-crew/internal/pipeline"
	"github.com/journalcraft/journal-crew/internal/render"
)

const (
	pdfName  = "journal.pdf"
	epubName = "journal.epub"
)

func (c *Crew) buildPDF(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
	return c.build(ctx, sc, "pdf", pdfName, "application/pdf", render.PDF)
}

func (c *Crew) buildEPUB(ctx context.Context, sc *pipeline.StageContext) (pipeline.StageOutput, error) {
	return c.build(ctx, sc, "epub", epubName, "application/epub+zip", render.EPUB)
}

func (c *Crew) build(ctx context.Context, sc *pipeline.StageContext, format, name, contentType string, renderFn func(render.Document) ([]byte, error)) (pipeline.StageOutput, error) {
	doc, err := document(sc)
	if err != nil {
		return pipeline.StageOutput{}, err
	}

	data, err := renderFn(doc)
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("render %s: %w", format, err)
	}
	if err := ctx.Err(); err != nil {
		return pipeline.StageOutput{}, err
	}

	art, err := c.Artifacts.Put(ctx, sc.JobID, name, contentType, data)
	if err != nil {
		return pipeline.StageOutput{}, fmt.Errorf("store %s: %w", name, err)
	}

	return pipeline.FileOutput(BuildSummary{
		Format: format,
		Title:  doc.Title,
		Days:   len(doc.Entries),
		Bytes:  len(data),
	}, art)
}

// document assembles the render input from the journal and the optional media plan
func document(sc *pipeline.StageContext) (render.Document, error) {
	j, err := journalSource(sc)
	if err != nil {
		return render.Document{}, err
	}

	images := map[int]string{}
	var m MediaPlan
	if _, ok := sc.Result(config.StageMedia); ok {
		if err := sc.DecodeResult(config.StageMedia, &m); err != nil {
			return render.Document{}, err
		}
		for _, img := range m.Images {
			images[img.Day] = img.Prompt
		}
	}

	doc := render.Document{
		Title:     j.Title,
		Author:    "In the voice of " + sc.Preferences.AuthorStyle,
		Theme:     sc.Preferences.Theme,
		CoverNote: m.CoverPrompt,
	}
	for _, e := range j.Entries {
		doc.Entries = append(doc.Entries, render.Entry{
			Day:         e.Day,
			Title:       e.Title,
			Prompt:      e.Prompt,
			Reflection:  e.Reflection,
			ImagePrompt: images[e.Day],
		})
	}
	return doc, nil
}
