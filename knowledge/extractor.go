package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lpdf "github.com/ledongthuc/pdf"
	"github.com/shakinm/xlsReader/xls"
	"github.com/shakinm/xlsReader/xls/structure"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	rpdf "rsc.io/pdf"
)

// maxSourceBytes caps how much of a single file is read into memory.
const maxSourceBytes int64 = 100 * 1024 * 1024

// Source is what the extractor reads: a local file or inline text.
type Source struct {
	Path string
	Text string
}

// Extractor turns a file or raw text into plain text.
type Extractor struct {
	markdown goldmark.Markdown
}

func NewExtractor() *Extractor {
	return &Extractor{
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// SupportedExtension reports whether ext (with leading dot) can be extracted.
func SupportedExtension(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".txt", ".text", ".csv", ".log", ".md", ".markdown",
		".docx", ".xlsx", ".xlsm", ".xls", ".html", ".htm", ".zip", ".rar":
		return true
	}
	return false
}

// Extract returns the plain text of src. Empty or whitespace-only output is
// reported as ErrExtractionFailed. A missing file is reported as is.
func (e *Extractor) Extract(ctx context.Context, src Source) (string, error) {
	if strings.TrimSpace(src.Path) == "" {
		if strings.TrimSpace(src.Text) == "" {
			return "", fmt.Errorf("%w: document has no content or file", ErrExtractionFailed)
		}
		return src.Text, nil
	}

	info, err := os.Stat(src.Path)
	if err != nil {
		return "", fmt.Errorf("knowledge: stat %s: %w", filepath.Base(src.Path), err)
	}
	if info.Size() > maxSourceBytes {
		return "", fmt.Errorf("%w: file exceeds %d bytes", ErrExtractionFailed, maxSourceBytes)
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return "", fmt.Errorf("knowledge: read %s: %w", filepath.Base(src.Path), err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	out, err := e.extractBytes(ctx, filepath.Base(src.Path), data, true)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: no text content found in %s", ErrExtractionFailed, filepath.Base(src.Path))
	}
	return out, nil
}

func (e *Extractor) extractBytes(ctx context.Context, name string, data []byte, allowArchives bool) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf":
		return extractPDF(data)
	case ".txt", ".text", ".csv", ".log":
		return strings.ToValidUTF8(string(data), "�"), nil
	case ".md", ".markdown":
		return e.extractMarkdown(data), nil
	case ".html", ".htm":
		return extractHTML(data)
	case ".docx":
		return extractDOCX(data)
	case ".xlsx", ".xlsm":
		return extractXLSX(data)
	case ".xls":
		return extractXLS(data)
	case ".zip", ".rar":
		if !allowArchives {
			return "", nil
		}
		return e.extractArchive(ctx, ext, data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
	}
}

// extractPDF tries ledongthuc/pdf first and falls back to rsc.io/pdf when the
// first reader fails or yields only whitespace.
func extractPDF(data []byte) (string, error) {
	primary, primaryErr := extractPDFPrimary(data)
	if primaryErr == nil && strings.TrimSpace(primary) != "" {
		return primary, nil
	}
	if primaryErr != nil {
		log.Printf("knowledge: primary pdf extraction failed: %v", primaryErr)
	}

	secondary, secondaryErr := extractPDFSecondary(data)
	if secondaryErr == nil && strings.TrimSpace(secondary) != "" {
		return secondary, nil
	}
	if secondaryErr != nil {
		log.Printf("knowledge: secondary pdf extraction failed: %v", secondaryErr)
	}
	return "", fmt.Errorf("%w: pdf extraction returned no text", ErrExtractionFailed)
}

func extractPDFPrimary(data []byte) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()
	r, err := lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func extractPDFSecondary(data []byte) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()
	r, err := rpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		var lastY float64
		for j, t := range page.Content().Text {
			if j > 0 && t.Y != lastY {
				b.WriteByte('\n')
			}
			b.WriteString(t.S)
			lastY = t.Y
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (e *Extractor) extractMarkdown(src []byte) string {
	doc := e.markdown.Parser().Parse(text.NewReader(src))
	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.Kind() {
			case ast.KindParagraph, ast.KindHeading, ast.KindListItem, ast.KindBlockquote:
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.CodeSpan:
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.Write(t.Segment.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			b.WriteByte('\n')
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func extractDOCX(data []byte) (string, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %v", ErrExtractionFailed, err)
	}
	for _, f := range r.File {
		if !strings.EqualFold(f.Name, "word/document.xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("%w: open docx body: %v", ErrExtractionFailed, err)
		}
		defer rc.Close()
		return docxText(rc), nil
	}
	return "", fmt.Errorf("%w: docx has no word/document.xml", ErrExtractionFailed)
}

func docxText(r io.Reader) string {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	lastWasNewline := true
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t", "instrText":
				var s string
				if err := dec.DecodeElement(&s, &t); err == nil {
					b.WriteString(s)
					lastWasNewline = false
				}
			case "tab":
				b.WriteByte('\t')
				lastWasNewline = false
			case "br", "cr":
				b.WriteByte('\n')
				lastWasNewline = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p", "tr":
				if !lastWasNewline {
					b.WriteByte('\n')
					lastWasNewline = true
				}
			case "tc":
				b.WriteByte('\t')
			}
		}
	}
	return b.String()
}

func extractXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: open xlsx: %v", ErrExtractionFailed, err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		writeSheet(&b, sheet, rows)
	}
	return b.String(), nil
}

func extractXLS(data []byte) (string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: open xls: %v", ErrExtractionFailed, err)
	}
	var b strings.Builder
	for i := 0; i < wb.GetNumberSheets(); i++ {
		sheet, err := wb.GetSheet(i)
		if err != nil || sheet == nil {
			continue
		}
		var rows [][]string
		for _, row := range sheet.GetRows() {
			rows = append(rows, xlsRowValues(row.GetCols()))
		}
		if len(rows) == 0 {
			continue
		}
		writeSheet(&b, sheet.GetName(), rows)
	}
	return b.String(), nil
}

func xlsRowValues(cols []structure.CellData) []string {
	out := make([]string, 0, len(cols))
	for _, col := range cols {
		val := col.GetString()
		if val == "" {
			if num := col.GetFloat64(); num != 0 {
				val = strconv.FormatFloat(num, 'f', -1, 64)
			} else if in := col.GetInt64(); in != 0 {
				val = strconv.FormatInt(in, 10)
			}
		}
		out = append(out, val)
	}
	return out
}

// writeSheet renders a sheet as a header line followed by one line per row.
func writeSheet(b *strings.Builder, sheet string, rows [][]string) {
	b.WriteString("Sheet: ")
	b.WriteString(sheet)
	b.WriteString("\nHeader: ")
	b.WriteString(strings.Join(rows[0], "\t"))
	b.WriteByte('\n')
	for i := 1; i < len(rows); i++ {
		if strings.TrimSpace(strings.Join(rows[i], "")) == "" {
			continue
		}
		b.WriteString("Row ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(": ")
		b.WriteString(strings.Join(rows[i], "\t"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}
