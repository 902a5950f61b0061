// Package manpages serves the embedded command manuals. Manuals are
// markdown documents compiled into the binary; rendering walks the
// parsed document tree and emits plain terminal text, so the pager
// output works over a serial console as well as a modern terminal.
package manpages

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

//go:embed docs/*.md
var docsFS embed.FS

// Names lists the available manual pages, sorted.
func Names() []string {
	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(out)
	return out
}

// Render returns the terminal rendering of the named manual page.
func Render(name string) (string, error) {
	raw, err := docsFS.ReadFile("docs/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("no manual for %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return renderMarkdown(raw), nil
}

// renderMarkdown converts a markdown document to indented plain text.
// Headings become upper-case section labels, lists keep their bullets,
// and fenced code blocks are indented verbatim.
func renderMarkdown(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var b strings.Builder
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			title := string(n.Text(src))
			if n.Level <= 2 {
				b.WriteString(strings.ToUpper(title))
			} else {
				b.WriteString(title)
			}
			b.WriteString("\n")
		case *ast.Paragraph:
			b.WriteString(wrapIndent(string(n.Text(src)), "    "))
			b.WriteString("\n")
		case *ast.List:
			renderList(&b, n, src, "    ")
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.WriteString("        ")
				b.WriteString(strings.TrimRight(string(seg.Value(src)), "\n"))
				b.WriteString("\n")
			}
		case *ast.ThematicBreak:
			b.WriteString("    ----\n")
		default:
			if txt := string(node.Text(src)); txt != "" {
				b.WriteString(wrapIndent(txt, "    "))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func renderList(b *strings.Builder, list *ast.List, src []byte, indent string) {
	i := 1
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", i)
			i++
		}
		b.WriteString(indent)
		b.WriteString(marker)
		b.WriteString(strings.TrimSpace(string(item.Text(src))))
		b.WriteString("\n")
	}
}

// wrapIndent prefixes every line of s with indent; markdown soft
// breaks inside a paragraph are preserved as line breaks.
func wrapIndent(s, indent string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
