package streaming

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	otelapi "go.opentelemetry.io/otel"

	"github.com/basket/go-claw/internal/model"
	otelpkg "github.com/basket/go-claw/internal/otel"
)

// mcpConnectTimeout bounds each server's initialize+list-tools round
// trip and every individual tool call, so one unreachable MCP server
// can't stall a whole chat turn.
const mcpConnectTimeout = 5 * time.Second

// connectMCPTools resolves every configured MCPServer into callable
// ToolSpecs for one stream, substituting ${var}-style placeholders in
// URL/Headers first. Connections follow a per-turn
// connect/list/close lifecycle rather than a persistent manager: a
// direct-chat stream is one-shot, so there is nothing to keep alive
// once it ends. Callers
// must invoke the returned close func once the turn is done. A server
// that fails to connect is skipped rather than failing the whole turn,
// so a dead MCP server degrades the tool list instead of the stream.
func connectMCPTools(ctx context.Context, logf func(string, ...any), servers []model.MCPServer, vars map[string]string) ([]ToolSpec, func()) {
	var specs []ToolSpec
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, srv := range servers {
		url := substituteVars(srv.URL, vars)
		headers := make(map[string]string, len(srv.Headers))
		for k, v := range srv.Headers {
			headers[k] = substituteVars(v, vars)
		}

		cli, tools, err := connectOneMCPServer(ctx, url, headers)
		if err != nil {
			logf("mcp server connect failed, skipping", "server", srv.Name, "error", err)
			continue
		}
		closers = append(closers, func() { _ = cli.Close() })

		for _, t := range tools {
			tool := t
			client := cli
			specs = append(specs, ToolSpec{
				Name:        srv.Name + "." + tool.Name,
				Description: tool.Description,
				Call: func(callCtx context.Context, input string) (string, error) {
					callCtx, cancel := context.WithTimeout(callCtx, mcpConnectTimeout)
					defer cancel()
					callCtx, span := otelpkg.StartClientSpan(callCtx, otelapi.GetTracerProvider().Tracer(otelpkg.TracerName), "mcp.call_tool",
						otelpkg.AttrMCPServer.String(srv.Name),
						otelpkg.AttrToolName.String(tool.Name))
					defer span.End()
					req := mcpgo.CallToolRequest{}
					req.Params.Name = tool.Name
					req.Params.Arguments = map[string]any{"input": input}
					res, err := client.CallTool(callCtx, req)
					if err != nil {
						span.RecordError(err)
						return "", err
					}
					return mcpResultText(res), nil
				},
			})
		}
	}

	return specs, closeAll
}

func connectOneMCPServer(ctx context.Context, url string, headers map[string]string) (*mcpclient.Client, []mcpgo.Tool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
	defer cancel()

	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	cli, err := mcpclient.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}
	if err := cli.Start(connectCtx); err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("start transport: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "goclaw-core", Version: "1.0.0"}
	if _, err := cli.Initialize(connectCtx, initReq); err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := cli.ListTools(connectCtx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return cli, toolsResult.Tools, nil
}

func mcpResultText(res *mcpgo.CallToolResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// substituteVars replaces ${key}-style placeholders (e.g. ${user.name})
// in an MCPServer's URL/Headers with the current turn's values.
func substituteVars(s string, vars map[string]string) string {
	out := s
	for k, v := range vars {
		out = strings.ReplaceAll(out, "${"+k+"}", v)
	}
	return out
}
