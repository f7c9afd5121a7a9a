// Package driver is the thin MCP transport layer external callers speak to.
// It carries no automation logic of its own: every tool body translates MCP
// tool arguments into a coordinator.Request (or a Diagnose call) and hands
// off to the Coordinator, which owns the actual pipeline.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"browserrunner/internal/config"
	"browserrunner/internal/coordinator"
	"browserrunner/internal/pool"
	"browserrunner/internal/session"
)

// Tool is the contract every registered MCP tool satisfies.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Server wires the MCP runtime to the Coordinator.
type Server struct {
	cfg         config.Config
	coordinator *coordinator.Coordinator
	sessions    *session.Registry
	pool        *pool.Pool
	tools       map[string]Tool
	mcpServer   *mcpserver.MCPServer
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(cfg config.Config, coord *coordinator.Coordinator, sessions *session.Registry, p *pool.Pool) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s := &Server{
		cfg:         cfg,
		coordinator: coord,
		sessions:    sessions,
		pool:        p,
		tools:       make(map[string]Tool),
		mcpServer:   mcpSrv,
	}
	s.registerAllTools()
	return s
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful
// shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly, bypassing the MCP transport. Used by
// tests and any in-process caller.
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	s.registerTool(&SessionCreateTool{sessions: s.sessions})
	s.registerTool(&SessionCloseTool{sessions: s.sessions})
	s.registerTool(&SessionInfoTool{sessions: s.sessions})
	s.registerTool(&PoolStatsTool{pool: s.pool})
	s.registerTool(&RunnerExecuteTool{coordinator: s.coordinator})
	s.registerTool(&RunnerReasonTool{coordinator: s.coordinator})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, err := json.Marshal(result)
	if err == nil {
		return payload
	}
	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, err),
	}
	payload, err = json.Marshal(fallback)
	if err == nil {
		return payload
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
