package extraction_engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

var _ core.PageSource = (*PDFContentSource)(nil)

// PDFContentSource is the fallback PDF backend. pdfcpu parses the object
// graph in relaxed mode and each page's content stream is scraped for its
// text-showing operators. It copes with files the primary parser rejects
// but loses font-specific encodings.
type PDFContentSource struct{}

func NewPDFContentSource() *PDFContentSource { return &PDFContentSource{} }

func (s *PDFContentSource) Name() string { return "pdfcpu" }

func (s *PDFContentSource) Open(ctx context.Context, src models.Source) (_ core.PageReader, err error) {
	defer recoverInto(&err, "pdfcpu open")

	ra, err := openReaderAt(src)
	if err != nil {
		return nil, err
	}
	defer ra.Close()
	if !pdfMagic(ra) {
		return nil, fmt.Errorf("%w: not a pdf", ErrUnsupported)
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := api.ReadAndValidate(io.NewSectionReader(ra, 0, ra.size), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	if err := pdfCtx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("pdfcpu page count: %w", err)
	}
	return &pdfContentReader{ctx: pdfCtx, pages: pdfCtx.PageCount}, nil
}

type pdfContentReader struct {
	ctx   *model.Context
	pages int
}

func (p *pdfContentReader) PageCount() int { return p.pages }

func (p *pdfContentReader) LoadPage(ctx context.Context, index int) (_ *core.Page, err error) {
	if index < 0 || index >= p.pages {
		return nil, fmt.Errorf("%w: %d", ErrPageOutOfRange, index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer recoverInto(&err, fmt.Sprintf("pdfcpu page %d", index+1))

	r, err := pdfcpu.ExtractPageContent(p.ctx, index+1)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu page %d: %w", index+1, err)
	}
	if r == nil {
		return core.NewPage(index, "", nil), nil
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu page %d: %w", index+1, err)
	}
	return core.NewPage(index, contentStreamText(string(raw)), nil), nil
}

func (p *pdfContentReader) Close() error {
	p.ctx = nil
	return nil
}

// contentStreamText pulls the strings shown by Tj, TJ, ' and " out of a
// page content stream. Line-moving operators start a new line; large TJ
// kerning offsets become a double space.
func contentStreamText(stream string) string {
	var (
		out     strings.Builder
		line    strings.Builder
		pending []string
		inArray bool
		arrayTx strings.Builder
	)
	newline := func() {
		if line.Len() > 0 {
			out.WriteString(line.String())
			out.WriteByte('\n')
			line.Reset()
		}
	}
	show := func(s string) {
		if line.Len() > 0 && s != "" {
			last := line.String()[line.Len()-1]
			if last != ' ' && s[0] != ' ' {
				line.WriteByte(' ')
			}
		}
		line.WriteString(s)
	}

	toks := tokenizeContent(stream)
	for _, tok := range toks {
		switch {
		case tok.kind == tokString:
			if inArray {
				arrayTx.WriteString(tok.text)
			} else {
				pending = append(pending, tok.text)
			}
		case tok.kind == tokNumber && inArray:
			// offsets are in thousandths of text space; a big negative one is a gap
			if strings.HasPrefix(tok.text, "-") && len(strings.TrimLeft(tok.text, "-")) >= 3 {
				arrayTx.WriteString("  ")
			}
		case tok.text == "[":
			inArray = true
			arrayTx.Reset()
		case tok.text == "]":
			inArray = false
			pending = append(pending, arrayTx.String())
		case tok.text == "Tj" || tok.text == "TJ":
			for _, s := range pending {
				show(s)
			}
			pending = pending[:0]
		case tok.text == "'" || tok.text == `"`:
			newline()
			for _, s := range pending {
				show(s)
			}
			pending = pending[:0]
		case tok.text == "T*" || tok.text == "Td" || tok.text == "TD" || tok.text == "Tm" || tok.text == "ET":
			newline()
			pending = pending[:0]
		case tok.kind == tokOperator:
			pending = pending[:0]
		}
	}
	newline()
	return out.String()
}

type tokKind int

const (
	tokOperator tokKind = iota
	tokString
	tokNumber
	tokOther
)

type contentToken struct {
	kind tokKind
	text string
}

// tokenizeContent is a small lexer for the subset of content-stream syntax
// needed to recover shown text.
func tokenizeContent(s string) []contentToken {
	var toks []contentToken
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0:
			i++
		case c == '%':
			for i < len(s) && s[i] != '\n' && s[i] != '\r' {
				i++
			}
		case c == '(':
			text, next := readLiteral(s, i)
			toks = append(toks, contentToken{kind: tokString, text: text})
			i = next
		case c == '<' && i+1 < len(s) && s[i+1] == '<':
			toks = append(toks, contentToken{kind: tokOther, text: "<<"})
			i += 2
		case c == '>' && i+1 < len(s) && s[i+1] == '>':
			toks = append(toks, contentToken{kind: tokOther, text: ">>"})
			i += 2
		case c == '<':
			end := strings.IndexByte(s[i:], '>')
			if end < 0 {
				return toks
			}
			toks = append(toks, contentToken{kind: tokString, text: decodeHex(s[i+1 : i+end])})
			i += end + 1
		case c == '[' || c == ']':
			toks = append(toks, contentToken{kind: tokOther, text: string(c)})
			i++
		case c == '/':
			j := i + 1
			for j < len(s) && !isDelimiter(s[j]) {
				j++
			}
			toks = append(toks, contentToken{kind: tokOther, text: s[i:j]})
			i = j
		case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(s) && (s[j] == '.' || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			toks = append(toks, contentToken{kind: tokNumber, text: s[i:j]})
			i = j
		default:
			j := i + 1
			for j < len(s) && !isDelimiter(s[j]) {
				j++
			}
			toks = append(toks, contentToken{kind: tokOperator, text: s[i:j]})
			i = j
		}
	}
	return toks
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\n', '\r', '\t', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// readLiteral reads a balanced (...) string starting at s[i] and returns the
// unescaped text and the index after the closing parenthesis.
func readLiteral(s string, i int) (string, int) {
	var b strings.Builder
	depth := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			switch e := s[i]; e {
			case 'n':
				b.WriteByte('\n')
			case 'r', 't':
				b.WriteByte(' ')
			case '(', ')', '\\':
				b.WriteByte(e)
			default:
				if e >= '0' && e <= '7' {
					v, n := 0, 0
					for n < 3 && i < len(s) && s[i] >= '0' && s[i] <= '7' {
						v = v*8 + int(s[i]-'0')
						i++
						n++
					}
					b.WriteByte(byte(v))
					continue
				}
			}
			i++
		case c == '(':
			if depth > 0 {
				b.WriteByte(c)
			}
			depth++
			i++
		case c == ')':
			depth--
			i++
			if depth == 0 {
				return b.String(), i
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i
}

func decodeHex(h string) string {
	clean := make([]byte, 0, len(h))
	for i := 0; i < len(h); i++ {
		if c := h[i]; c != ' ' && c != '\n' && c != '\r' && c != '\t' {
			clean = append(clean, c)
		}
	}
	if len(clean)%2 == 1 {
		clean = append(clean, '0')
	}
	out := make([]byte, 0, len(clean)/2)
	for i := 0; i+1 < len(clean); i += 2 {
		out = append(out, hexVal(clean[i])<<4|hexVal(clean[i+1]))
	}
	return string(out)
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
