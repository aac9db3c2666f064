// Package docparse turns uploaded document bytes into text chunks with
// page and section metadata, plus a best-effort language guess that drives
// embedding model selection downstream.
package docparse

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// chunkTargetWords bounds chunk size. Chunks break on paragraph boundaries
// once past the target, so a chunk stays a coherent span of one page.
const chunkTargetWords = 200

// Chunk is one parsed unit of text. IDs and document ownership are
// assigned by the caller.
type Chunk struct {
	Position int
	Text     string
	Page     int
	Section  string
}

// Result is the output of parsing one document.
type Result struct {
	Chunks   []Chunk
	Language string
}

// Parser extracts chunks from raw document bytes.
type Parser interface {
	Parse(ctx context.Context, data []byte, name string) (*Result, error)
}

// Describer produces a text description of an embedded image. Failures
// here are best-effort: callers omit the description and continue.
type Describer interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

// AutoParser routes by file extension: PDF, plain text, or image via an
// optional describer.
type AutoParser struct {
	pdf       *PDFParser
	plain     *PlainTextParser
	describer Describer
}

type AutoParserOption func(*AutoParser)

// WithDescriber enables image documents: the describer's text output is
// chunked in place of extracted text.
func WithDescriber(d Describer) AutoParserOption {
	return func(p *AutoParser) { p.describer = d }
}

func NewAutoParser(opts ...AutoParserOption) *AutoParser {
	p := &AutoParser{pdf: NewPDFParser(), plain: NewPlainTextParser()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AutoParser) Parse(ctx context.Context, data []byte, name string) (*Result, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return p.pdf.Parse(ctx, data, name)
	case ".txt", ".md", "":
		return p.plain.Parse(ctx, data, name)
	case ".png", ".jpg", ".jpeg":
		return p.parseImage(ctx, data, name)
	default:
		return nil, eris.Errorf("docparse: unsupported document type %q", filepath.Ext(name))
	}
}

func (p *AutoParser) parseImage(ctx context.Context, data []byte, name string) (*Result, error) {
	if p.describer == nil {
		return nil, eris.Errorf("docparse: image document %s but no describer configured", name)
	}
	desc, err := p.describer.Describe(ctx, data)
	if err != nil {
		return nil, eris.Wrapf(err, "docparse: describe image %s", name)
	}
	return p.plain.Parse(ctx, []byte(desc), name)
}

// PlainTextParser chunks UTF-8 text. Page numbers are synthesized from
// position since plain text carries none.
type PlainTextParser struct{}

func NewPlainTextParser() *PlainTextParser {
	return &PlainTextParser{}
}

func (p *PlainTextParser) Parse(ctx context.Context, data []byte, _ string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, eris.New("docparse: empty document")
	}

	chunks := chunkText(text, 1)
	for i := range chunks {
		chunks[i].Position = i
	}
	return &Result{Chunks: chunks, Language: DetectLanguage(text)}, nil
}

// chunkText splits text into chunks at paragraph boundaries, tagging each
// with the given page and the most recent heading-like line as section.
func chunkText(text string, page int) []Chunk {
	paragraphs := splitParagraphs(text)

	var chunks []Chunk
	var buf []string
	var bufWords int
	section := ""

	flush := func() {
		if bufWords == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Text:    strings.Join(buf, "\n\n"),
			Page:    page,
			Section: section,
		})
		buf = buf[:0]
		bufWords = 0
	}

	for _, para := range paragraphs {
		if isHeading(para) {
			flush()
			section = para
			continue
		}
		buf = append(buf, para)
		bufWords += len(strings.Fields(para))
		if bufWords >= chunkTargetWords {
			flush()
		}
	}
	flush()
	return chunks
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isHeading flags short standalone lines without terminal punctuation,
// the usual shape of report section titles.
func isHeading(para string) bool {
	if strings.Contains(para, "\n") {
		return false
	}
	words := strings.Fields(para)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	last := para[len(para)-1]
	return last != '.' && last != ':' && last != ',' && last != ';'
}

// DetectLanguage guesses the document language from stopword frequency.
// Financial filings in this pipeline are English or German; anything
// ambiguous defaults to English.
func DetectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	limit := len(words)
	if limit > 2000 {
		limit = 2000
	}

	englishStops := map[string]bool{"the": true, "and": true, "of": true, "to": true, "in": true, "for": true, "with": true, "was": true}
	germanStops := map[string]bool{"der": true, "die": true, "das": true, "und": true, "für": true, "mit": true, "von": true, "wurde": true}

	var en, de int
	for _, w := range words[:limit] {
		if englishStops[w] {
			en++
		}
		if germanStops[w] {
			de++
		}
	}
	if de > en {
		return "de"
	}
	return "en"
}
