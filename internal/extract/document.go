package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrUnsupportedDocument is returned for document formats without a text extractor.
var ErrUnsupportedDocument = errors.New("unsupported document type")

// Document is the text extracted from a downloaded document.
type Document struct {
	Text      string
	PageCount int
	Format    string
}

// DocumentText extracts text from body. PDFs are read with pdfcpu; plain text
// and HTML are passed through; every other format is unsupported.
func DocumentText(ctx context.Context, name, contentType string, body []byte) (Document, error) {
	format := documentFormat(name, contentType, body)
	switch format {
	case "pdf":
		text, pages, err := pdfText(ctx, body)
		if err != nil {
			return Document{}, err
		}
		return Document{Text: text, PageCount: pages, Format: format}, nil
	case "text":
		return Document{Text: CollapseWhitespace(string(body)), PageCount: 1, Format: format}, nil
	case "html":
		parsed, err := ParseHTML(string(body), name)
		if err != nil {
			return Document{}, err
		}
		return Document{Text: parsed.Text, PageCount: 1, Format: format}, nil
	default:
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupportedDocument, format)
	}
}

func documentFormat(name, contentType string, body []byte) string {
	if strings.HasPrefix(string(body), "%PDF-") {
		return "pdf"
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mediaType == "application/pdf":
			return "pdf"
		case mediaType == "text/html":
			return "html"
		case strings.HasPrefix(mediaType, "text/"):
			return "text"
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.SplitN(name, "?", 2)[0]), "."))
	switch ext {
	case "pdf":
		return "pdf"
	case "txt", "csv", "md":
		return "text"
	case "":
		return "unknown"
	default:
		return ext
	}
}

func pdfText(ctx context.Context, body []byte) (string, int, error) {
	dir, err := os.MkdirTemp("", "harvester-pdf-*")
	if err != nil {
		return "", 0, fmt.Errorf("create pdf workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, body, 0o600); err != nil {
		return "", 0, fmt.Errorf("write pdf: %w", err)
	}
	pdfCtx, err := api.ReadContextFile(in)
	if err != nil {
		return "", 0, fmt.Errorf("read pdf: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	outDir := filepath.Join(dir, "content")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", 0, fmt.Errorf("create pdf content dir: %w", err)
	}
	if err := api.ExtractContentFile(in, outDir, nil, model.NewDefaultConfiguration()); err != nil {
		return "", 0, fmt.Errorf("extract pdf content: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", 0, fmt.Errorf("read pdf content: %w", err)
	}
	type pageStream struct {
		page int
		text string
	}
	streams := make([]pageStream, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		page := pageNumber(entry.Name())
		data, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			return "", 0, fmt.Errorf("read pdf page: %w", err)
		}
		streams = append(streams, pageStream{page: page, text: ContentStreamText(string(data))})
	}
	sort.SliceStable(streams, func(i, j int) bool { return streams[i].page < streams[j].page })

	parts := make([]string, 0, len(streams))
	for _, s := range streams {
		if s.text != "" {
			parts = append(parts, s.text)
		}
	}
	return strings.Join(parts, "\n\n"), pdfCtx.PageCount, nil
}

// pageNumber reads N from pdfcpu output names such as "in_Content_page_N.txt".
func pageNumber(name string) int {
	idx := strings.LastIndex(name, "page_")
	if idx < 0 {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(name[idx:], "page_%d", &n); err != nil {
		return 0
	}
	return n
}

// ContentStreamText pulls the string operands of text-showing operators (Tj,
// TJ, ' and ") out of a decoded PDF content stream. Td, TD, T* and ET start a
// new line.
func ContentStreamText(stream string) string {
	var (
		out  strings.Builder
		line strings.Builder
	)
	flush := func() {
		if text := CollapseWhitespace(line.String()); text != "" {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(text)
		}
		line.Reset()
	}
	for i := 0; i < len(stream); i++ {
		switch c := stream[i]; {
		case c == '(':
			s, next := readPDFString(stream, i+1)
			line.WriteString(s)
			i = next
		case c == ']':
			line.WriteByte(' ')
		case isOperator(stream, i, "T*"), isOperator(stream, i, "Td"), isOperator(stream, i, "TD"), isOperator(stream, i, "ET"):
			flush()
			i++
		}
	}
	flush()
	return out.String()
}

func isOperator(s string, i int, op string) bool {
	if !strings.HasPrefix(s[i:], op) {
		return false
	}
	before := i == 0 || isPDFSpace(s[i-1])
	end := i + len(op)
	after := end >= len(s) || isPDFSpace(s[end])
	return before && after
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f'
}

// readPDFString decodes a literal string starting after its opening paren and
// returns it with the index of the closing paren.
func readPDFString(s string, start int) (string, int) {
	var b strings.Builder
	depth := 1
	for i := start; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return b.String(), i
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r', 't':
				b.WriteByte(' ')
			case '(', ')', '\\':
				b.WriteByte(s[i])
			default:
				if s[i] >= '0' && s[i] <= '7' {
					n, j := 0, i
					for ; j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7'; j++ {
						n = n*8 + int(s[j]-'0')
					}
					b.WriteByte(byte(n))
					i = j - 1
				}
			}
		case '(':
			depth++
			b.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return b.String(), i
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), len(s)
}
