package export

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	mdParser    = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)).Parser()
	htmlTag     = regexp.MustCompile(`(?s)<!--.*?-->|<[^>]+>`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	spaceRuns   = regexp.MustCompile(`[ \t]{2,}`)
	cellClosers = regexp.MustCompile(`(?i)</t[dh]>`)
	rowClosers  = regexp.MustCompile(`(?i)</tr>|<br\s*/?>`)
)

// FlattenMarkdown renders OCR markdown as plain text: markup is dropped,
// blocks are separated by newlines and table cells by " | ". Inline and
// block HTML, which layout OCR emits for tables and page breaks, is reduced
// to its text.
func FlattenMarkdown(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	source := []byte(src)
	doc := mdParser.Parse(text.NewReader(source))

	var sb strings.Builder
	newline := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading, *ast.Paragraph, *ast.ListItem, *ast.Blockquote, *east.TableRow, *east.TableHeader:
			newline()
		case *east.TableCell:
			if entering && node.PreviousSibling() != nil {
				sb.WriteString(" | ")
			}
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(source))
				if node.HardLineBreak() || node.SoftLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				sb.Write(node.Label(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				newline()
				sb.WriteString(linesOf(node, source))
				newline()
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			if entering {
				newline()
				raw := linesOf(node, source)
				if node.HasClosure() {
					raw += string(node.ClosureLine.Value(source))
				}
				sb.WriteString(stripHTML(raw))
				newline()
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			if entering {
				var raw strings.Builder
				for i := 0; i < node.Segments.Len(); i++ {
					seg := node.Segments.At(i)
					raw.Write(seg.Value(source))
				}
				sb.WriteString(stripHTML(raw.String()))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	out := spaceRuns.ReplaceAllString(sb.String(), " ")
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	out = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

func linesOf(n ast.Node, source []byte) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return sb.String()
}

func stripHTML(s string) string {
	s = cellClosers.ReplaceAllString(s, " | ")
	s = rowClosers.ReplaceAllString(s, "\n")
	s = htmlTag.ReplaceAllString(s, "")
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(l), "|"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}
