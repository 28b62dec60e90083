// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package report renders build summaries.
//
// Jobs append Markdown to the file named by GANTRY_SUMMARY. After a
// build finishes the runner assembles the per-job fragments into one
// document, renders it to a standalone HTML page with highlighted code
// blocks, and stores both forms beside the build's logs. The page is
// self-contained: highlighting uses inline styles, so it can be served
// by the builds API or opened straight from disk.
//
// Raw HTML in a summary is not passed through. Summaries are written
// by repository-controlled scripts, and the rendered page is viewed in
// an operator's browser.
package report

import (
	"fmt"
	"html"
	"io"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// markdownInstance is initialized once and reused. The configuration
// (extensions, renderer overrides) never changes and a goldmark.Markdown
// is safe to share; each Convert call builds its own parse state.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				// Priority below goldmark's built-in HTML renderer
				// (1000) so the fenced-code-block handler here wins.
				renderer.WithNodeRenderers(
					util.Prioritized(&codeBlockRenderer{}, 200),
				),
			),
		)
	})
	return markdownInstance
}

// highlightFormatter emits inline-styled HTML so the page needs no
// stylesheet for its code blocks. highlightStyle falls back to chroma's
// default if the named style ever disappears from the registry.
var (
	highlightFormatter = chromahtml.New(chromahtml.WithClasses(false))
	highlightStyle     = styles.Get("github")
)

// RenderHTML converts summary Markdown to an HTML fragment. Fenced code
// blocks are syntax-highlighted; GFM tables, strikethrough, and task
// lists render; raw HTML is omitted.
func RenderHTML(markdown []byte) ([]byte, error) {
	var buffer strings.Builder
	if err := getMarkdown().Convert(markdown, &buffer); err != nil {
		return nil, fmt.Errorf("rendering summary: %w", err)
	}
	return []byte(buffer.String()), nil
}

// codeBlockRenderer replaces goldmark's fenced-code-block output with
// chroma-highlighted HTML. Indented code blocks carry no language and
// keep the default rendering.
type codeBlockRenderer struct{}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(
	w util.BufWriter,
	source []byte,
	node ast.Node,
	entering bool,
) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	block := node.(*ast.FencedCodeBlock)
	language := string(block.Language(source))

	var code strings.Builder
	lines := block.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		code.Write(segment.Value(source))
	}

	if err := highlight(w, code.String(), language); err != nil {
		return ast.WalkStop, err
	}
	return ast.WalkSkipChildren, nil
}

// highlight writes code as chroma-highlighted HTML. An unknown or empty
// language falls back to chroma's plain-text lexer, so the block still
// renders as a styled <pre> rather than failing the page.
func highlight(w io.Writer, code, language string) error {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return fmt.Errorf("highlighting %s code block: %w", language, err)
	}
	if err := highlightFormatter.Format(w, highlightStyle, iterator); err != nil {
		return fmt.Errorf("formatting %s code block: %w", language, err)
	}
	return nil
}

// Section is one job's contribution to a build summary.
type Section struct {
	// Version is the interpreter version of the job that wrote the
	// fragment. It becomes the section heading when more than one job
	// contributed.
	Version string

	// Markdown is the content of the job's summary file. Empty or
	// whitespace-only fragments are dropped.
	Markdown []byte
}

// Assemble combines per-job summary fragments into one Markdown
// document. A lone fragment passes through untouched; with several,
// each gets a version heading so matrix output stays attributable.
// Returns nil when no job wrote a summary.
func Assemble(sections []Section) []byte {
	var kept []Section
	for _, section := range sections {
		if strings.TrimSpace(string(section.Markdown)) == "" {
			continue
		}
		kept = append(kept, section)
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 {
		return kept[0].Markdown
	}

	var document strings.Builder
	for index, section := range kept {
		if index > 0 {
			document.WriteString("\n")
		}
		fmt.Fprintf(&document, "## %s\n\n", section.Version)
		document.Write(section.Markdown)
		if !strings.HasSuffix(string(section.Markdown), "\n") {
			document.WriteString("\n")
		}
	}
	return []byte(document.String())
}

// pageStyle keeps the stored page readable without external assets.
// Code block backgrounds come from chroma's inline styles, not from
// here.
const pageStyle = `body {
  font-family: -apple-system, "Segoe UI", Roboto, "Helvetica Neue", sans-serif;
  line-height: 1.5;
  color: #1f2328;
  max-width: 52rem;
  margin: 2rem auto;
  padding: 0 1rem;
}
h1 { border-bottom: 1px solid #d1d9e0; padding-bottom: .3em; }
pre { padding: 1em; overflow-x: auto; border-radius: 6px; }
code { font-family: ui-monospace, "SF Mono", Menlo, Consolas, monospace; font-size: .9em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #d1d9e0; padding: .4em .8em; }
th { background: #f6f8fa; }
blockquote { border-left: 4px solid #d1d9e0; margin-left: 0; padding-left: 1em; color: #59636e; }`

// Page wraps a rendered fragment in a standalone HTML document. The
// title is escaped; the fragment is trusted rendered output.
func Page(title string, fragment []byte) []byte {
	escaped := html.EscapeString(title)
	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	page.WriteString("<meta charset=\"utf-8\">\n")
	page.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n", escaped)
	fmt.Fprintf(&page, "<style>\n%s\n</style>\n", pageStyle)
	page.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&page, "<h1>%s</h1>\n", escaped)
	page.Write(fragment)
	page.WriteString("</body>\n</html>\n")
	return []byte(page.String())
}
