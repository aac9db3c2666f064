package docparse

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PDFParser extracts text page by page so chunk page metadata reflects
// real PDF pages.
type PDFParser struct {
	log *zap.Logger
}

func NewPDFParser() *PDFParser {
	return &PDFParser{log: zap.L()}
}

func (p *PDFParser) Parse(ctx context.Context, data []byte, name string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrapf(err, "docparse: open pdf %s", name)
	}

	var all []Chunk
	var sb strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page degrades quality, it does not
			// fail the document.
			p.log.Warn("docparse: skipping unreadable pdf page",
				zap.String("document", name),
				zap.Int("page", pageNum),
				zap.Error(err))
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
		all = append(all, chunkText(text, pageNum)...)
	}

	if len(all) == 0 {
		return nil, eris.Errorf("docparse: no extractable text in %s", name)
	}

	for i := range all {
		all[i].Position = i
	}
	return &Result{Chunks: all, Language: DetectLanguage(sb.String())}, nil
}
