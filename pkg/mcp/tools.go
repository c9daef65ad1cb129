package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pario-ai/switchboard/pkg/catalog"
	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/models"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

type tool struct {
	def     ToolDefinition
	handler toolHandler
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var tools = []tool{
	{
		def: ToolDefinition{
			Name:        "switchboard_dispatch",
			Description: "Send a prompt through the dispatcher: pick a model, check budgets, call the provider with failover.",
			InputSchema: objectSchema([]string{"prompt"}, map[string]any{
				"prompt":     stringProp("User prompt"),
				"system":     stringProp("System prompt (optional)"),
				"strategy":   stringProp("cheapest, fastest, highest_quality or balanced (optional)"),
				"capability": stringProp("Required capability (optional)"),
				"owner_kind": stringProp("Owner kind to bill (optional)"),
				"owner":      stringProp("Owner id to bill (optional)"),
				"max_tokens": map[string]any{"type": "integer", "description": "Maximum completion tokens (optional)"},
			}),
		},
		handler: handleDispatch,
	},
	{
		def: ToolDefinition{
			Name:        "switchboard_spend",
			Description: "Show ledger spend grouped by provider, model and outcome.",
			InputSchema: objectSchema(nil, map[string]any{
				"since": stringProp("Start date in YYYY-MM-DD format (optional, defaults to start of month)"),
			}),
		},
		handler: handleSpend,
	},
	{
		def: ToolDefinition{
			Name:        "switchboard_budget",
			Description: "Show limit, spend, held and remaining amounts for every budget scope of an owner.",
			InputSchema: objectSchema([]string{"kind"}, map[string]any{
				"kind":  stringProp("Owner kind: user, project, team or global"),
				"owner": stringProp("Owner id (omit for global)"),
			}),
		},
		handler: handleBudget,
	},
	{
		def: ToolDefinition{
			Name:        "switchboard_providers",
			Description: "Show provider health: status, failure streak, cooldown and latency.",
			InputSchema: objectSchema(nil, map[string]any{}),
		},
		handler: handleProviders,
	},
	{
		def: ToolDefinition{
			Name:        "switchboard_models",
			Description: "List catalog models with prices, optionally filtered by provider or capability.",
			InputSchema: objectSchema(nil, map[string]any{
				"provider":   stringProp("Filter by provider (optional)"),
				"capability": stringProp("Required capability (optional)"),
			}),
		},
		handler: handleModels,
	},
	{
		def: ToolDefinition{
			Name:        "switchboard_audit_search",
			Description: "Search audited provider attempts.",
			InputSchema: objectSchema(nil, map[string]any{
				"provider":       stringProp("Filter by provider (optional)"),
				"model":          stringProp("Filter by model (optional)"),
				"kind":           stringProp("Filter by failure kind (optional)"),
				"correlation_id": stringProp("Filter by dispatch correlation id (optional)"),
				"since":          stringProp("Start date in YYYY-MM-DD format (optional)"),
			}),
		},
		handler: handleAuditSearch,
	},
	{
		def: ToolDefinition{
			Name:        "switchboard_pending",
			Description: "List transactions waiting for a durable ledger commit.",
			InputSchema: objectSchema(nil, map[string]any{}),
		},
		handler: handlePending,
	},
}

var toolsByName = func() map[string]tool {
	m := make(map[string]tool, len(tools))
	for _, t := range tools {
		m[t.def.Name] = t
	}
	return m
}()

func toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func notConfigured(what string) ToolCallResult {
	return textResult(what + " is not configured.")
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func parseSince(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", s)
}

func handleDispatch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Dispatch == nil {
		return notConfigured("Dispatch")
	}
	var args struct {
		Prompt     string `json:"prompt"`
		System     string `json:"system"`
		Strategy   string `json:"strategy"`
		Capability string `json:"capability"`
		OwnerKind  string `json:"owner_kind"`
		Owner      string `json:"owner"`
		MaxTokens  int    `json:"max_tokens"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Prompt == "" {
		return errorResult("prompt is required")
	}

	var criteria models.Criteria
	st, err := models.ParseStrategy(args.Strategy)
	if err != nil {
		return errorResult(err.Error())
	}
	criteria.Strategy = st
	if args.Capability != "" {
		c, err := models.ParseCapability(args.Capability)
		if err != nil {
			return errorResult(err.Error())
		}
		criteria.RequiredCapabilities = []models.Capability{c}
	}
	var owners []models.Owner
	if args.OwnerKind != "" {
		kind, err := models.ParseOwnerKind(args.OwnerKind)
		if err != nil {
			return errorResult(err.Error())
		}
		owners = append(owners, models.Owner{Kind: kind, ID: args.Owner})
	}

	req := &models.Request{
		System:    args.System,
		Messages:  []models.Message{{Role: "user", Content: args.Prompt}},
		MaxTokens: args.MaxTokens,
	}
	res, err := s.deps.Dispatch.Dispatch(ctx, req, criteria, owners)
	if err != nil {
		var de *dispatch.Error
		if errors.As(err, &de) && len(de.Attempts) > 0 {
			return errorResult(err.Error() + "\n\n" + formatAttempts(de.Attempts))
		}
		return errorResult(err.Error())
	}
	return textResult(formatDispatch(res))
}

func handleSpend(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Spend == nil {
		return notConfigured("The ledger")
	}
	var args struct {
		Since string `json:"since"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	now := s.now().UTC()
	since, err := parseSince(args.Since, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
	}
	rows, err := s.deps.Spend.Summary(ctx, since)
	if err != nil {
		return errorResult("Error reading ledger: " + err.Error())
	}
	return textResult(formatSpend(rows))
}

func handleBudget(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Budget == nil {
		return notConfigured("Budget enforcement")
	}
	var args struct {
		Kind  string `json:"kind"`
		Owner string `json:"owner"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	kind, err := models.ParseOwnerKind(args.Kind)
	if err != nil {
		return errorResult(err.Error())
	}
	if kind != models.OwnerGlobal && args.Owner == "" {
		return errorResult("owner is required for kind " + string(kind))
	}
	return textResult(formatBudget(s.deps.Budget.Status(models.Owner{Kind: kind, ID: args.Owner})))
}

func handleProviders(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Health == nil {
		return notConfigured("Health tracking")
	}
	snap := s.deps.Health.Snapshot()
	return textResult(formatProviders(snap.Sorted(), snap.At))
}

func handleModels(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Models == nil {
		return notConfigured("The pricing catalog")
	}
	var args struct {
		Provider   string `json:"provider"`
		Capability string `json:"capability"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	f := catalog.Filter{Provider: args.Provider}
	if args.Capability != "" {
		c, err := models.ParseCapability(args.Capability)
		if err != nil {
			return errorResult(err.Error())
		}
		f.Capabilities = []models.Capability{c}
	}
	return textResult(formatModels(s.deps.Models.List(f)))
}

func handleAuditSearch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Audit == nil {
		return notConfigured("Audit logging")
	}
	var args struct {
		Provider      string `json:"provider"`
		Model         string `json:"model"`
		Kind          string `json:"kind"`
		CorrelationID string `json:"correlation_id"`
		Since         string `json:"since"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	since, err := parseSince(args.Since, time.Time{})
	if err != nil {
		return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
	}
	attempts, err := s.deps.Audit.Query(ctx, models.AuditQueryOpts{
		Provider:      args.Provider,
		Model:         args.Model,
		Kind:          args.Kind,
		CorrelationID: args.CorrelationID,
		Since:         since,
		Limit:         50,
	})
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAttempts(attempts))
}

func handlePending(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Pending == nil {
		return notConfigured("The pending-commit queue")
	}
	entries, err := s.deps.Pending.List(ctx, 100)
	if err != nil {
		return errorResult("Error listing pending commits: " + err.Error())
	}
	return textResult(formatPending(entries))
}
