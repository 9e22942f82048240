package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/profile"
	"github.com/kalambet/vibelink/internal/protocol"
)

// MCPScorer scores two profiles. Implemented by compat.Scorer.
type MCPScorer interface {
	Score(local, remote profile.Profile) compat.Result
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	OwnerID  string
	Profiles ProfileReader
	Scorer   MCPScorer
	Queue    QueueStatter
}

// NewMCPServer creates an MCP server with the vibelink tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vibelink",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vibelink scores personality-profile compatibility and reports peer-learning state."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("score_profiles",
			mcp.WithDescription("Score compatibility between two personality profiles. Omit 'local' to score against this node's profile."),
			mcp.WithString("remote", mcp.Description("JSON profile: {dimensions, dimension_confidence, energy_level, social_preference, trust_network_score}"), mcp.Required()),
			mcp.WithString("local", mcp.Description("Optional JSON profile in the same shape")),
		),
		mcpScoreProfiles(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report how many session records are waiting to be reconciled."),
		),
		mcpQueueStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"vibelink://profile",
			"Local Profile",
			mcp.WithResourceDescription("This node's current personality profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func parseProfileArg(raw string) (profile.Profile, error) {
	var w protocol.WireProfile
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return profile.Profile{}, err
	}
	return w.Profile()
}

func mcpScoreProfiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		remoteJSON, err := req.RequireString("remote")
		if err != nil {
			return mcpError("remote is required"), nil
		}
		remote, err := parseProfileArg(remoteJSON)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid remote profile: %v", err)), nil
		}

		var local profile.Profile
		if localJSON := req.GetString("local", ""); localJSON != "" {
			local, err = parseProfileArg(localJSON)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid local profile: %v", err)), nil
			}
		} else {
			local, err = deps.Profiles.Get(ctx, deps.OwnerID)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to load local profile: %v", err)), nil
			}
		}

		res := deps.Scorer.Score(local, remote)
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Queue.Stats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read queue: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profiles.Get(ctx, deps.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
