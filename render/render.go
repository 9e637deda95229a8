// Package render turns page source into display HTML through an ordered
// stage pipeline.
//
// Pre-render stages run once per primary render, before conversion; the
// observation stage lives there. Post-render stages transform or inspect the
// rendered bytes in registration order, so the drift engine can be appended
// last and see the output exactly as it will be displayed.
//
// Transcluded fragments of other pages are rendered through the same post
// chain but never through the pre chain: a fragment has no page context of
// its own, which is precisely what keeps it out of drift processing.
package render

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	ghtml "github.com/yuin/goldmark/renderer/html"

	"github.com/hazyhaar/renderrev/drift"
)

// FormatHTML is the canonical display format.
const FormatHTML = "html"

// Sources resolves page source text for transclusion. *page.Store satisfies it.
type Sources interface {
	Exists(ctx context.Context, id string) (bool, error)
	Source(ctx context.Context, id string) (string, error)
}

// PreStage observes a page entering the primary render path.
type PreStage func(ctx context.Context, cycle *drift.Cycle, pageID, format string)

// PostStage transforms or inspects rendered output. It returns the bytes to
// pass to the next stage; a purely observing stage returns its input.
type PostStage func(ctx context.Context, cycle *drift.Cycle, view drift.View, format string, output []byte) []byte

// Options tunes the pipeline.
type Options struct {
	// MaxIncludeDepth caps transclusion nesting. Default: 8.
	MaxIncludeDepth int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxIncludeDepth <= 0 {
		o.MaxIncludeDepth = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pipeline renders markdown to HTML with transclusion and ordered stages.
// Safe for concurrent use; per-request state travels in the Cycle.
type Pipeline struct {
	sources Sources
	md      goldmark.Markdown
	opts    Options
	pre     []PreStage
	post    []PostStage
}

// New creates a Pipeline over a source resolver.
func New(sources Sources, opts Options) *Pipeline {
	opts.defaults()
	return &Pipeline{
		sources: sources,
		opts:    opts,
		// Raw HTML must survive conversion: transcluded fragments are
		// spliced in as HTML. The sanitize stage runs downstream.
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(ghtml.WithUnsafe()),
		),
	}
}

// Pre appends a pre-render stage.
func (p *Pipeline) Pre(stage PreStage) {
	p.pre = append(p.pre, stage)
}

// Post appends a post-render stage. Stages run in registration order; the
// drift engine should be appended after all transforming stages.
func (p *Pipeline) Post(stage PostStage) {
	p.post = append(p.post, stage)
}

// Render produces the display HTML of a primary page view. Pre stages run
// first with the page's context, then markdown conversion with transclusion,
// then the post chain.
func (p *Pipeline) Render(ctx context.Context, cycle *drift.Cycle, view drift.View, source string) ([]byte, error) {
	for _, stage := range p.pre {
		stage(ctx, cycle, view.PageID, FormatHTML)
	}

	visited := map[string]bool{view.PageID: true}
	expanded := p.expandIncludes(ctx, cycle, view, source, visited, 0)

	var buf bytes.Buffer
	if err := p.md.Convert([]byte(expanded), &buf); err != nil {
		return nil, fmt.Errorf("render: convert %s: %w", view.PageID, err)
	}

	return p.runPost(ctx, cycle, view, buf.Bytes()), nil
}

// renderFragment renders another page's source for transclusion into a
// primary render. The post chain runs with the fragment's own page ID and no
// observation mark, so downstream consumers can tell it apart from the page
// actually being displayed.
func (p *Pipeline) renderFragment(ctx context.Context, cycle *drift.Cycle, parent drift.View, fragID, source string, visited map[string]bool, depth int) []byte {
	expanded := p.expandIncludes(ctx, cycle, parent, source, visited, depth)

	var buf bytes.Buffer
	if err := p.md.Convert([]byte(expanded), &buf); err != nil {
		p.opts.Logger.Warn("render: fragment convert failed", "page", fragID, "error", err)
		return includePlaceholder(fragID)
	}

	fragView := drift.View{
		Mode:   parent.Mode,
		PageID: fragID,
		Exists: true,
	}
	return p.runPost(ctx, cycle, fragView, buf.Bytes())
}

func (p *Pipeline) runPost(ctx context.Context, cycle *drift.Cycle, view drift.View, output []byte) []byte {
	for _, stage := range p.post {
		output = stage(ctx, cycle, view, FormatHTML, output)
	}
	return output
}

// ObservationStage returns the pre-render stage that marks pages in the
// cycle's observation set. Only renders of the canonical format with a known
// page context are marked.
func ObservationStage(canonical string) PreStage {
	return func(_ context.Context, cycle *drift.Cycle, pageID, format string) {
		if cycle == nil || format != canonical || pageID == "" {
			return
		}
		cycle.Mark(pageID)
	}
}

// SanitizeStage returns a post-render stage that strips unsafe HTML with a
// bluemonday UGC policy. Register it before any stage that fingerprints the
// output, so digests are taken over what is actually served.
func SanitizeStage() PostStage {
	policy := bluemonday.UGCPolicy()
	return func(_ context.Context, _ *drift.Cycle, _ drift.View, format string, output []byte) []byte {
		if format != FormatHTML {
			return output
		}
		return policy.SanitizeBytes(output)
	}
}
