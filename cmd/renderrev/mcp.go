package main

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/renderrev/drift"
	"github.com/hazyhaar/renderrev/page"
	"github.com/hazyhaar/renderrev/watch"
)

// serveMCP exposes the wiki over MCP stdio: page read/save/history plus the
// drift engine's status counters.
func (s *server) serveMCP(ctx context.Context) error {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "renderrev",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "page_read",
		Description: "Render a wiki page to HTML (current state)",
	}, s.mcpPageRead)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "page_source",
		Description: "Read the raw markdown source of a wiki page",
	}, s.mcpPageSource)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "page_save",
		Description: "Save markdown source as the new head of a wiki page",
	}, s.mcpPageSave)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "page_history",
		Description: "List the revision history of a wiki page, newest first",
	}, s.mcpPageHistory)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "drift_status",
		Description: "Report drift engine decision counters and fingerprint cache size",
	}, s.mcpDriftStatus)

	return srv.Run(ctx, &mcp.StdioTransport{})
}

type mcpPageArgs struct {
	ID string `json:"id" jsonschema:"the page ID"`
}

type mcpPageResult struct {
	ID   string `json:"id"`
	HTML string `json:"html"`
}

func (s *server) mcpPageRead(ctx context.Context, _ *mcp.CallToolRequest, args mcpPageArgs) (*mcp.CallToolResult, mcpPageResult, error) {
	var zero mcpPageResult
	p, err := s.pages.Get(ctx, args.ID)
	if err != nil {
		return nil, zero, err
	}
	view := drift.View{Mode: "show", PageID: args.ID, Exists: true}
	html, err := s.pipeline.Render(ctx, drift.NewCycle(), view, p.Source)
	if err != nil {
		return nil, zero, err
	}
	return nil, mcpPageResult{ID: args.ID, HTML: string(html)}, nil
}

type mcpSourceResult struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

func (s *server) mcpPageSource(ctx context.Context, _ *mcp.CallToolRequest, args mcpPageArgs) (*mcp.CallToolResult, mcpSourceResult, error) {
	source, err := s.pages.Source(ctx, args.ID)
	if err != nil {
		return nil, mcpSourceResult{}, err
	}
	return nil, mcpSourceResult{ID: args.ID, Source: source}, nil
}

type mcpSaveArgs struct {
	ID      string `json:"id" jsonschema:"the page ID"`
	Source  string `json:"source" jsonschema:"markdown source text"`
	Comment string `json:"comment,omitempty" jsonschema:"revision comment"`
}

type mcpSaveResult struct {
	Status   string         `json:"status"`
	Revision *page.Revision `json:"revision,omitempty"`
}

func (s *server) mcpPageSave(ctx context.Context, _ *mcp.CallToolRequest, args mcpSaveArgs) (*mcp.CallToolResult, mcpSaveResult, error) {
	rev, err := s.pages.Save(ctx, args.ID, args.Source, args.Comment, false)
	if errors.Is(err, page.ErrUnchanged) {
		return nil, mcpSaveResult{Status: "unchanged"}, nil
	}
	if err != nil {
		return nil, mcpSaveResult{}, err
	}
	return nil, mcpSaveResult{Status: "saved", Revision: rev}, nil
}

type mcpHistoryArgs struct {
	ID    string `json:"id" jsonschema:"the page ID"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of revisions"`
}

type mcpHistoryResult struct {
	Revisions []page.Revision `json:"revisions"`
}

func (s *server) mcpPageHistory(ctx context.Context, _ *mcp.CallToolRequest, args mcpHistoryArgs) (*mcp.CallToolResult, mcpHistoryResult, error) {
	revs, err := s.pages.History(ctx, args.ID, args.Limit)
	if err != nil {
		return nil, mcpHistoryResult{}, err
	}
	return nil, mcpHistoryResult{Revisions: revs}, nil
}

type mcpStatusArgs struct{}

type mcpStatusResult struct {
	Engine       drift.Stats  `json:"engine"`
	Fingerprints int          `json:"fingerprints"`
	Sweeper      *watch.Stats `json:"sweeper,omitempty"`
}

func (s *server) mcpDriftStatus(_ context.Context, _ *mcp.CallToolRequest, _ mcpStatusArgs) (*mcp.CallToolResult, mcpStatusResult, error) {
	count, err := s.fps.Count()
	if err != nil {
		return nil, mcpStatusResult{}, err
	}
	res := mcpStatusResult{
		Engine:       s.engine.Stats(),
		Fingerprints: count,
	}
	if s.sweeper != nil {
		stats := s.sweeper.Stats()
		res.Sweeper = &stats
	}
	return nil, res, nil
}
