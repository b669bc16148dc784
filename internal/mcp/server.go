package mcp

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jcdickinson/rsimpl/internal/daemon"
	"github.com/jcdickinson/rsimpl/internal/rpc"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

//go:embed instructions.md
var instructions string

// backend is the subset of the daemon client the MCP tools use.
type backend interface {
	Build(ctx context.Context, req rpc.BuildRequest, onProgress func(string)) (*rpc.BuildResult, error)
	GetImplementors(ctx context.Context, trait string) (*rpc.GetImplementorsResponse, error)
	Invalidate(ctx context.Context, typePath string) (*rpc.InvalidateResponse, error)
}

type Server struct {
	mcpServer *server.MCPServer
	client    backend
}

func NewServer(socketPath string) (*Server, error) {
	client, err := daemon.ConnectOrSpawn(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	return newServer(client), nil
}

func newServer(client backend) *Server {
	s := &Server{client: client}

	mcpServer := server.NewMCPServer(
		"rsimpl",
		"0.1.0",
		server.WithInstructions(instructions),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.mcpServer = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("build_implementors",
			mcp.WithDescription("Collect the implementors of a Rust trait from the rustdoc JSON of the given crates on docs.rs. Synchronous; returns when complete. Version defaults to \"latest\"."),
			mcp.WithString("trait",
				mcp.Description("Fully qualified trait path, e.g. \"core::iter::traits::exact_size::ExactSizeIterator\""),
				mcp.Required(),
			),
			cratesSchema,
			mcp.WithBoolean("publish",
				mcp.Description("Publish the result to the trait's page (default false)"),
			),
		),
		s.handleBuild,
	)

	mcpServer.AddTool(
		mcp.NewTool("get_implementors",
			mcp.WithDescription("Return the markdown listing of a trait's published implementor index."),
			mcp.WithString("trait",
				mcp.Description("Fully qualified trait path"),
				mcp.Required(),
			),
		),
		s.handleGetImplementors,
	)

	mcpServer.AddTool(
		mcp.NewTool("affected_traits",
			mcp.WithDescription("List trait pages whose implementor index involves the given type path."),
			mcp.WithString("type",
				mcp.Description("Fully qualified type path, e.g. \"nalgebra::base::Matrix\""),
				mcp.Required(),
			),
		),
		s.handleAffectedTraits,
	)
}

func cratesSchema(t *mcp.Tool) {
	t.InputSchema.Required = append(t.InputSchema.Required, "crates")
	t.InputSchema.Properties["crates"] = map[string]any{
		"type":        "array",
		"description": "Crates to scan for implementors",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Crate name (e.g., \"nalgebra\")",
				},
				"version": map[string]any{
					"type":        "string",
					"description": "Version (default: \"latest\")",
				},
			},
			"required": []string{"name"},
		},
	}
}

func (s *Server) registerResources(mcpServer *server.MCPServer) {
	mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"rsimpl://{trait}",
			"Trait implementors",
			mcp.WithTemplateDescription("Markdown listing of the implementors of a trait, grouped by crate."),
			mcp.WithTemplateMIMEType("text/markdown"),
		),
		s.handleReadResource,
	)
}

func (s *Server) handleBuild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	trait, _ := args["trait"].(string)
	if trait == "" {
		return mcp.NewToolResultError("missing required parameter: trait"), nil
	}
	cratesRaw, ok := args["crates"]
	if !ok {
		return mcp.NewToolResultError("missing required parameter: crates"), nil
	}

	cratesJSON, err := json.Marshal(cratesRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid crates parameter: %v", err)), nil
	}

	buildReq := rpc.BuildRequest{Trait: trait}
	if err := json.Unmarshal(cratesJSON, &buildReq.Crates); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid crates format: %v", err)), nil
	}
	if publish, ok := args["publish"].(bool); ok {
		buildReq.Publish = publish
	}

	result, err := s.client.Build(ctx, buildReq, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("build failed: %v", err)), nil
	}

	// The full index is available through get_implementors; keep the summary short.
	summary := struct {
		Trait         string              `json:"trait"`
		Libraries     []rpc.LibraryResult `json:"libraries"`
		PublicationID string              `json:"publication_id,omitempty"`
	}{result.Trait, result.Libraries, result.PublicationID}
	resultJSON, _ := json.MarshalIndent(summary, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (s *Server) handleGetImplementors(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	trait, _ := req.GetArguments()["trait"].(string)
	if trait == "" {
		return mcp.NewToolResultError("missing required parameter: trait"), nil
	}

	resp, err := s.client.GetImplementors(ctx, trait)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get implementors failed: %v", err)), nil
	}
	return mcp.NewToolResultText(resp.Markdown), nil
}

func (s *Server) handleAffectedTraits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typePath, _ := req.GetArguments()["type"].(string)
	if typePath == "" {
		return mcp.NewToolResultError("missing required parameter: type"), nil
	}

	resp, err := s.client.Invalidate(ctx, typePath)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	if len(resp.Traits) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no trait pages involve %s", typePath)), nil
	}
	return mcp.NewToolResultText(strings.Join(resp.Traits, "\n")), nil
}

func (s *Server) handleReadResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	trait := strings.TrimPrefix(uri, "rsimpl://")
	if trait == "" || trait == uri {
		return nil, fmt.Errorf("invalid resource URI: %s", uri)
	}

	resp, err := s.client.GetImplementors(ctx, trait)
	if err != nil {
		return nil, fmt.Errorf("getting implementors: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     resp.Markdown,
		},
	}, nil
}

func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) Shutdown(_ context.Context) error {
	return nil
}
