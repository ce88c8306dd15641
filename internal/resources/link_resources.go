package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxlink/internal/server"
)

const (
	LinksURI    = "inboxlink://links"
	SettingsURI = "inboxlink://settings"
	SyncURI     = "inboxlink://sync"
)

// RegisterLinkResources registers the link index, settings and sync status
// resources.
func RegisterLinkResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	s.AddResource(mcp.NewResource(LinksURI, "Thread Links",
		mcp.WithResourceDescription("Gmail thread ids mapped to the ClickUp tasks linked to them"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		all, err := sc.Links().Index().All(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read link index: %w", err)
		}
		return jsonContents(request.Params.URI, all)
	})

	s.AddResource(mcp.NewResource(SettingsURI, "Settings",
		mcp.WithResourceDescription("Preferred workspace, link strategy and timer settings"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		settings, err := sc.Dispatcher().Settings(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		return jsonContents(request.Params.URI, settings)
	})

	s.AddResource(mcp.NewResource(SyncURI, "Sync Status",
		mcp.WithResourceDescription("Time and result of the last link reconciliation"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, ok, err := sc.Links().SyncStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read sync status: %w", err)
		}
		if !ok {
			return jsonContents(request.Params.URI, map[string]any{"synced": false})
		}
		return jsonContents(request.Params.URI, st)
	})

	return nil
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
