package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pario-ai/switchboard/pkg/catalog"
	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/health"
	"github.com/pario-ai/switchboard/pkg/models"
	log "github.com/sirupsen/logrus"
)

// SpendReader aggregates ledger spend.
type SpendReader interface {
	Summary(ctx context.Context, since time.Time) ([]models.LedgerSummary, error)
}

// BudgetReporter reports scope status for an owner.
type BudgetReporter interface {
	Status(owner models.Owner) []models.BudgetStatus
}

// HealthReporter snapshots provider health.
type HealthReporter interface {
	Snapshot() health.Snapshot
}

// ModelLister lists catalog entries.
type ModelLister interface {
	List(f catalog.Filter) []models.Descriptor
}

// AttemptSearcher queries the attempt audit log.
type AttemptSearcher interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.Attempt, error)
}

// PendingLister lists queued pending commits.
type PendingLister interface {
	List(ctx context.Context, limit int) ([]models.PendingCommit, error)
}

// Dispatcher routes a request to a provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.Request, criteria models.Criteria, owners []models.Owner) (*dispatch.Result, error)
}

// Deps are the views the tools expose. Nil fields disable the
// matching tools, which then answer "not configured".
type Deps struct {
	Dispatch Dispatcher
	Spend   SpendReader
	Budget  BudgetReporter
	Health  HealthReporter
	Models  ModelLister
	Audit   AttemptSearcher
	Pending PendingLister
}

// Server speaks MCP over newline-delimited JSON-RPC on stdio.
type Server struct {
	deps    Deps
	version string
	now     func() time.Time
}

func New(deps Deps, version string) *Server {
	return &Server{deps: deps, version: version, now: time.Now}
}

// Run serves requests read line by line from r until r is exhausted or ctx
// is done.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

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
			s.write(w, rpcError(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.handle(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "switchboard", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req.ID, CodeInvalidParams, "invalid params")
		}
		t, ok := toolsByName[params.Name]
		if !ok {
			return result(req.ID, errorResult("unknown tool: "+params.Name))
		}
		return result(req.ID, t.handler(ctx, s, params.Arguments))
	default:
		return rpcError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("mcp: marshal response")
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		log.WithError(err).Warn("mcp: write response")
	}
}
