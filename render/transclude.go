package render

import (
	"context"
	"fmt"
	"html"
	"regexp"

	"github.com/hazyhaar/renderrev/drift"
)

// includePattern matches {{include:page-id}} directives in page source.
// Page IDs are namespaced with ':' and may contain the usual path characters.
var includePattern = regexp.MustCompile(`\{\{include:([\w:./-]+)\}\}`)

// expandIncludes replaces every include directive in source with the rendered
// HTML of the referenced page. Missing pages and resolver failures render a
// placeholder instead of failing the whole page. The visited set and depth
// cap stop include cycles and runaway nesting.
func (p *Pipeline) expandIncludes(ctx context.Context, cycle *drift.Cycle, view drift.View, source string, visited map[string]bool, depth int) string {
	if depth >= p.opts.MaxIncludeDepth {
		return source
	}

	return includePattern.ReplaceAllStringFunc(source, func(match string) string {
		fragID := includePattern.FindStringSubmatch(match)[1]
		if visited[fragID] {
			return string(includePlaceholder(fragID))
		}

		exists, err := p.sources.Exists(ctx, fragID)
		if err != nil {
			p.opts.Logger.Warn("render: include lookup failed", "page", fragID, "error", err)
			return string(includePlaceholder(fragID))
		}
		if !exists {
			return string(includePlaceholder(fragID))
		}

		fragSource, err := p.sources.Source(ctx, fragID)
		if err != nil {
			p.opts.Logger.Warn("render: include read failed", "page", fragID, "error", err)
			return string(includePlaceholder(fragID))
		}

		visited[fragID] = true
		out := p.renderFragment(ctx, cycle, view, fragID, fragSource, visited, depth+1)
		delete(visited, fragID)
		return string(out)
	})
}

func includePlaceholder(fragID string) []byte {
	return fmt.Appendf(nil, `<p class="include-missing">include not available: %s</p>`, html.EscapeString(fragID))
}
