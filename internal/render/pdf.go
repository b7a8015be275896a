package render

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

const (
	pageMargin = 20.0
	bodyFont   = "Helvetica"
	lineHeight = 6.0
)

// PDF lays out doc as an A4 journal: a title page, then one page per day
// with the prompt, the reflection and space to write.
func PDF(doc Document) ([]byte, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	// Core fonts are cp1252; translate from UTF-8
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	title := doc.title()
	pdf.SetTitle(title, true)
	if doc.Author != "" {
		pdf.SetAuthor(doc.Author, true)
	}
	pdf.SetCreator("journal-crew", true)
	pdf.SetCreationDate(time.Now().UTC())

	pdf.SetFooterFunc(func() {
		if pdf.PageNo() == 1 {
			return
		}
		pdf.SetY(-15)
		pdf.SetFont(bodyFont, "I", 9)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 10, fmt.Sprintf("%d", pdf.PageNo()-1), "", 0, "C", false, 0, "")
	})

	// Title page
	pdf.AddPage()
	pdf.Ln(60)
	pdf.SetFont(bodyFont, "B", 28)
	pdf.SetTextColor(33, 33, 33)
	pdf.MultiCell(0, 12, tr(title), "", "C", false)
	if doc.Author != "" {
		pdf.Ln(8)
		pdf.SetFont(bodyFont, "", 14)
		pdf.MultiCell(0, 8, tr(doc.Author), "", "C", false)
	}
	if doc.CoverNote != "" {
		pdf.Ln(20)
		pdf.SetFont(bodyFont, "I", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.MultiCell(0, 5, tr("Cover: "+doc.CoverNote), "", "C", false)
	}

	for _, e := range doc.Entries {
		pdf.AddPage()

		pdf.SetFont(bodyFont, "B", 11)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 8, fmt.Sprintf("DAY %d", e.Day), "", 1, "L", false, 0, "")

		pdf.SetFont(bodyFont, "B", 18)
		pdf.SetTextColor(33, 33, 33)
		pdf.MultiCell(0, 9, tr(e.Title), "", "L", false)
		pdf.Ln(4)

		if e.Prompt != "" {
			pdf.SetFont(bodyFont, "I", 12)
			pdf.MultiCell(0, lineHeight+1, tr(e.Prompt), "", "L", false)
			pdf.Ln(4)
		}

		pdf.SetFont(bodyFont, "", 11)
		for _, p := range paragraphs(e.Reflection) {
			pdf.MultiCell(0, lineHeight, tr(p), "", "J", false)
			pdf.Ln(2)
		}

		if e.ImagePrompt != "" {
			pdf.Ln(2)
			pdf.SetFont(bodyFont, "I", 9)
			pdf.SetTextColor(110, 110, 110)
			pdf.MultiCell(0, 5, tr("Illustration: "+e.ImagePrompt), "", "L", false)
			pdf.SetTextColor(33, 33, 33)
		}

		writingLines(pdf)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// writingLines rules the rest of the page for handwriting
func writingLines(pdf *fpdf.Fpdf) {
	pageWidth, pageHeight := pdf.GetPageSize()
	bottom := pageHeight - pageMargin - 10

	pdf.SetDrawColor(210, 210, 210)
	pdf.SetLineWidth(0.2)
	for y := pdf.GetY() + 10; y < bottom; y += 9 {
		pdf.Line(pageMargin, y, pageWidth-pageMargin, y)
	}
}
