package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/orchestrator"
	"github.com/pario-ai/tiercache/pkg/tracker"
)

// Answerer runs queries through the cascade.
type Answerer interface {
	Answer(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	UsageSnapshot(ctx context.Context) (models.UsageSnapshot, error)
}

// QuotaStatuser reports ceilings against current usage.
type QuotaStatuser interface {
	Status(ctx context.Context) ([]models.QuotaStatus, error)
	ResetsAt(scope models.Scope) time.Time
}

// CacheStatter provides cache statistics without coupling to a concrete cache implementation.
type CacheStatter interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// MemorySearcher looks up earlier exchanges by meaning.
type MemorySearcher interface {
	SearchMemory(ctx context.Context, q orchestrator.MemoryQuery) ([]models.SemanticHit, error)
}

// PolicyStore holds the quota ceilings of the running process.
type PolicyStore interface {
	Policy() models.QuotaPolicy
	SetPolicy(p models.QuotaPolicy)
}

// Deps are the collaborators of a Server. Everything but Orchestrator is
// optional; tools whose backing component is missing say so.
type Deps struct {
	Orchestrator Answerer
	Ledger       QuotaStatuser
	Tracker      tracker.Tracker
	Caches       map[string]CacheStatter
	Memory       MemorySearcher
	Policy       PolicyStore
	// SessionGap is the idle time after which a new session starts.
	SessionGap time.Duration
	Logger     *zap.Logger
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	deps    Deps
	logger  *zap.Logger
	version string
}

// New creates a new MCP Server.
func New(deps Deps, version string) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{deps: deps, logger: deps.Logger, version: version}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, respondError(nil, CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != jsonRPCVersion {
			s.writeResponse(w, respondError(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\""))
			continue
		}

		// Notifications get no response.
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return respond(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: serverName, Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return respond(req.ID, map[string]any{})
	case "tools/list":
		return respond(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return respondError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return respond(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	return respond(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp write failed", zap.Error(err))
	}
}
