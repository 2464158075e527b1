package toolserver

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// 传输方式。
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

const (
	serverName         = "evm-gateway"
	serverVersion      = "1.0.0"
	pendingResourceURI = "gateway://confirmations/pending"
)

// NewMCPServer 将工具集注册到一个 MCP 服务上。
func (t *Toolset) NewMCPServer() *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(t.loggingMiddleware),
	)
	for _, name := range t.order {
		e := t.entries[name]
		toolName := name
		s.AddTool(e.tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(t.Call(ctx, toolName, req.GetArguments())), nil
		})
	}
	s.AddResource(mcp.NewResource(pendingResourceURI, "Pending confirmations",
		mcp.WithResourceDescription("Confirmations waiting for a decision or a resume"),
		mcp.WithMIMEType("application/json"),
	), t.readPending)
	return s
}

// loggingMiddleware 记录每次通过 MCP 到达的工具调用。
func (t *Toolset) loggingMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		res, err := next(ctx, req)
		t.log.Debug("MCP 工具调用完成",
			slog.String("tool", req.Params.Name),
			slog.Duration("duration", time.Since(start)),
		)
		return res, err
	}
}

func (t *Toolset) readPending(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	list, err := t.machine.List(ctx, "")
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		},
	}, nil
}

// Serve 以指定传输方式运行 MCP 服务，直到 ctx 取消。
// stdio 从标准输入输出收发消息，其余方式监听 addr。
func (t *Toolset) Serve(ctx context.Context, transport, addr string) error {
	s := t.NewMCPServer()
	switch transport {
	case TransportStdio, "":
		t.log.Info("MCP 服务已启动", slog.String("transport", TransportStdio))
		err := server.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !stdErrors.Is(err, context.Canceled) {
			return xerrors.Wrap(xerrors.CodeConnection, err, "stdio 传输异常退出")
		}
		return nil
	case TransportSSE:
		sse := server.NewSSEServer(s)
		mux := http.NewServeMux()
		mux.Handle("/sse", t.metrics.Middleware("mcp_sse", sse))
		mux.Handle("/message", t.metrics.Middleware("mcp_message", sse))
		return t.listen(ctx, transport, addr, mux)
	case TransportStreamableHTTP:
		stream := server.NewStreamableHTTPServer(s, server.WithEndpointPath("/mcp"))
		mux := http.NewServeMux()
		mux.Handle("/mcp", t.metrics.Middleware("mcp", stream))
		return t.listen(ctx, transport, addr, mux)
	default:
		return xerrors.New(xerrors.CodeConfiguration, "unsupported transport "+transport)
	}
}

func (t *Toolset) listen(ctx context.Context, transport, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	t.log.Info("MCP 服务已启动", slog.String("transport", transport), slog.String("address", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "MCP 服务监听失败")
		}
		return nil
	}
}
