// Package convert turns pasted or migrated HTML into markdown page source.
// It backs the import endpoint, which lets legacy HTML content enter the
// wiki as editable markdown.
package convert

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Converter translates HTML documents to markdown source.
// Safe for concurrent use.
type Converter struct {
	md *converter.Converter
}

// New creates a Converter with commonmark and table support.
func New() *Converter {
	return &Converter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// ToMarkdown converts an HTML document to markdown source and extracts its
// <title> text when present.
func (c *Converter) ToMarkdown(htmlDoc []byte) (markdown, title string, err error) {
	doc, err := html.Parse(bytes.NewReader(htmlDoc))
	if err != nil {
		return "", "", fmt.Errorf("convert: parse html: %w", err)
	}
	title = findTitle(doc)

	markdown, err = c.md.ConvertString(string(htmlDoc))
	if err != nil {
		return "", "", fmt.Errorf("convert: to markdown: %w", err)
	}
	return strings.TrimSpace(markdown) + "\n", title, nil
}

// findTitle walks the parsed document for the first <title> element.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if title := findTitle(child); title != "" {
			return title
		}
	}
	return ""
}
