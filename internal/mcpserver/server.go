// Package mcpserver exposes the dispatch registry as MCP tools over stdio,
// so agent runtimes can call the same operations the HTTP surface serves.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/clinbridge/clinbridge/internal/dispatch"
)

const (
	serverName    = "clinbridge"
	serverVersion = "1.0.0"
)

// New builds an MCP server whose tool set mirrors the dispatcher's registered
// operations. Call after Dispatcher.Startup so the registry is complete.
func New(d *dispatch.Dispatcher, log zerolog.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, &mcp.ServerOptions{
		Instructions: "Clinical adapter operations: imaging archive search/retrieve/store, appointment scheduling and billing reconciliation.",
	})

	for _, def := range d.Operations() {
		mcp.AddTool(server, &mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: inputSchema(def.Params),
		}, toolHandler(d, def.Name, log))
	}
	return server
}

// Run serves the tool set over stdio until ctx is cancelled.
func Run(ctx context.Context, d *dispatch.Dispatcher, log zerolog.Logger) error {
	return New(d, log).Run(ctx, &mcp.StdioTransport{})
}

// inputSchema translates an operation's parameter specs into a JSON schema
// for tool discovery.
func inputSchema(params []dispatch.ParamSpec) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(params)),
	}
	for _, p := range params {
		s.Properties[p.Name] = &jsonschema.Schema{
			Type:        p.Type,
			Description: p.Description,
		}
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

// toolHandler routes one tool call through the dispatcher. Adapter failures
// come back as tool errors carrying the error kind, not protocol errors.
func toolHandler(d *dispatch.Dispatcher, name string, log zerolog.Logger) mcp.ToolHandlerFor[map[string]any, map[string]any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in map[string]any) (*mcp.CallToolResult, map[string]any, error) {
		result, err := d.Invoke(ctx, name, dispatch.Params(in))
		if err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("tool call failed")
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{
					Text: fmt.Sprintf("%s: %s", dispatch.KindName(err), err.Error()),
				}},
			}, nil, nil
		}
		return nil, map[string]any(result), nil
	}
}
