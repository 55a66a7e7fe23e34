// Package parsers converts raw document bytes into canonical plain text
// (spec §4.6 step 2). Markdown/text parsing follows the structure-preserving
// style of RedClaus-cortex/core/internal/ingestion's document parsing (kept
// sections/headings as plain-text sentinels rather than stripping them);
// the PDF parser is a minimal from-scratch page-wise text extractor built
// on stdlib compress/zlib, since no PDF library (pdfcpu, unidoc, etc.)
// appears in any example go.mod (see DESIGN.md's stdlib justification).
package parsers

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/normanking/hybridmemory/pkg/types"
)

// Parsed is the structure-preserving output of a parse step: canonical
// plain text plus the mime it came from.
type Parsed struct {
	Text string
	Mime types.Mime
}

// ParseText returns txt content as-is (spec §4.6: "txt -> as-is").
func ParseText(raw []byte) (Parsed, error) {
	return Parsed{Text: string(raw), Mime: types.MimeTXT}, nil
}

var headingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.*)$`)

// ParseMarkdown extracts structure-preserving text: headings are kept as
// plain-text sentinel lines (their leading #'s are kept so a heading's
// depth survives into the canonical text), matching the "headings as
// sentinels" rule in spec §4.6 step 2.
func ParseMarkdown(raw []byte) (Parsed, error) {
	text := string(raw)
	text = headingRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := headingRe.FindStringSubmatch(m)
		return fmt.Sprintf("%s %s", parts[1], strings.TrimSpace(parts[2]))
	})
	return Parsed{Text: text, Mime: types.MimeMD}, nil
}

// PDFLimits bounds PDF parsing per spec §4.6 step 1/2.
type PDFLimits struct {
	MaxBytes   int64
	MaxTimeMS  int64
	MaxPages   int
}

var streamRe = regexp.MustCompile(`(?s)(<<[^>]*>>)?\s*stream\r?\n(.*?)\r?\nendstream`)
var filterFlateRe = regexp.MustCompile(`/Filter\s*/FlateDecode`)
var showTextRe = regexp.MustCompile(`(?s)\((.*?)\)\s*Tj|\[(.*?)\]\s*TJ`)

// ParsePDF performs bounded, best-effort page-wise text extraction: it
// locates stream objects, inflates FlateDecode-compressed ones, and pulls
// literal strings out of Tj/TJ text-showing operators -- a minimal
// from-scratch extractor rather than a full PDF object-graph parser, since
// the spec only needs recoverable body text, not layout fidelity.
func ParsePDF(raw []byte, limits PDFLimits) (Parsed, error) {
	if limits.MaxBytes > 0 && int64(len(raw)) > limits.MaxBytes {
		return Parsed{}, fmt.Errorf("parsers: pdf exceeds max bytes (%d > %d)", len(raw), limits.MaxBytes)
	}

	deadline := time.Time{}
	if limits.MaxTimeMS > 0 {
		deadline = time.Now().Add(time.Duration(limits.MaxTimeMS) * time.Millisecond)
	}

	matches := streamRe.FindAllSubmatch(raw, -1)
	var sb strings.Builder
	pages := 0
	for _, m := range matches {
		if limits.MaxPages > 0 && pages >= limits.MaxPages {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return Parsed{Text: sb.String(), Mime: types.MimePDF}, fmt.Errorf("parsers: pdf parse exceeded time budget")
		}

		dict, body := m[1], m[2]
		content := body
		if filterFlateRe.Match(dict) {
			inflated, err := inflate(body)
			if err == nil {
				content = []byte(inflated)
			}
			// a failed inflate is skipped, not fatal -- best-effort extraction
		}

		text := extractShowText(content)
		if strings.TrimSpace(text) == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
		pages++
	}

	return Parsed{Text: sb.String(), Mime: types.MimePDF}, nil
}

func inflate(compressed []byte) (string, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func extractShowText(content []byte) string {
	var sb strings.Builder
	for _, m := range showTextRe.FindAllSubmatch(content, -1) {
		var raw []byte
		if len(m[1]) > 0 {
			raw = m[1]
		} else {
			raw = m[2]
		}
		sb.WriteString(unescapePDFString(raw))
		sb.WriteString(" ")
	}
	return sb.String()
}

// unescapePDFString resolves the small set of backslash escapes PDF literal
// strings use (\\, \(, \), \n, \r, \t and octal \ddd); anything else passes
// through unchanged.
func unescapePDFString(raw []byte) string {
	var out []byte
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i == len(raw)-1 {
			out = append(out, raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '(', ')', '\\':
			out = append(out, raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				v := 0
				for n := 0; n < 3 && i < len(raw) && raw[i] >= '0' && raw[i] <= '7'; n++ {
					v = v*8 + int(raw[i]-'0')
					i++
				}
				i--
				out = append(out, byte(v))
			} else {
				out = append(out, raw[i])
			}
		}
	}
	return string(out)
}
