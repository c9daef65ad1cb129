package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pario-ai/switchboard/pkg/budget"
	"github.com/pario-ai/switchboard/pkg/catalog"
	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/health"
	"github.com/pario-ai/switchboard/pkg/ledger"
	"github.com/pario-ai/switchboard/pkg/metrics"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/pario-ai/switchboard/pkg/provider"
	"github.com/pario-ai/switchboard/pkg/provider/providertest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, adapter *providertest.Scripted, policies ...models.BudgetPolicy) *Server {
	t.Helper()
	l, err := ledger.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	cat := catalog.NewFromDescriptors([]models.Descriptor{{
		Provider: "test", Model: "small",
		InputCostPer1K: decimal.RequireFromString("0.001"), OutputCostPer1K: decimal.RequireFromString("0.002"),
		MaxContextTokens: 8000,
		Capabilities:     []models.Capability{models.CapText},
		Tier:             models.TierCheap, Available: true,
	}})
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	h := health.New(health.DefaultConfig(), nil)
	b := budget.New(policies, l, nil)
	providers := provider.NewRegistry(adapter)
	d, err := dispatch.New(dispatch.DefaultConfig(), dispatch.Deps{
		Catalog: cat, Health: h, Budget: b, Providers: providers, Metrics: m,
	})
	require.NoError(t, err)
	return New(":0", d, h, b, providers, reg)
}

const dispatchBody = `{
  "request": {"messages": [{"role": "user", "content": "hi"}], "prompt_tokens": 1000, "max_tokens": 500},
  "criteria": {"required_capabilities": ["text"], "strategy": "CHEAPEST"},
  "owners": [{"kind": "user", "id": "alice"}]
}`

func TestDispatchEndpoint(t *testing.T) {
	s := setupServer(t, providertest.New("test", providertest.OK("Hello!", 1000, 500)))

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(dispatchBody))
	req.Header.Set("X-Correlation-ID", "corr-http")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res dispatch.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "Hello!", res.Response.Content)
	assert.Equal(t, "corr-http", res.Transaction.CorrelationID)
	assert.Equal(t, "0.002", res.Transaction.Cost.String())

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mw := httptest.NewRecorder()
	s.ServeHTTP(mw, metricsReq)
	assert.Equal(t, http.StatusOK, mw.Code)
	assert.Contains(t, mw.Body.String(), `switchboard_dispatch_total{outcome="ok"} 1`)
}

func TestDispatchBudgetExceeded(t *testing.T) {
	policy := models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "alice", Period: models.PeriodDay,
		Limit: decimal.RequireFromString("0.001"), Overflow: models.OverflowDeny,
	}
	s := setupServer(t, providertest.New("test"), policy)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(dispatchBody)))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"BudgetExceeded"`)
}

func TestDispatchCallerError(t *testing.T) {
	s := setupServer(t, providertest.New("test", providertest.Fail(models.ErrInvalidRequest)))

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(dispatchBody)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "CallerError")
}

func TestDispatchRejectsBadInput(t *testing.T) {
	s := setupServer(t, providertest.New("test"))

	cases := map[string]string{
		"not json":     `{`,
		"bad strategy": `{"criteria": {"strategy": "RANDOM"}}`,
		"bad owner":    `{"owners": [{"kind": "tenant", "id": "x"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestProvidersEndpoint(t *testing.T) {
	s := setupServer(t, providertest.New("test"))
	s.health.RecordFailure("test", models.ErrAuth)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Providers []models.HealthRecord `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Providers, 1)
	assert.Equal(t, models.StatusDown, body.Providers[0].Status)
}

func TestBudgetEndpoint(t *testing.T) {
	policy := models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "*", Period: models.PeriodMonth,
		Limit: decimal.RequireFromString("10"), Overflow: models.OverflowDeny,
	}
	s := setupServer(t, providertest.New("test"), policy)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/budget?kind=user&owner=alice", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Scopes []models.BudgetStatus `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Scopes, 1)
	assert.True(t, body.Scopes[0].Limited)
	assert.Equal(t, "10", body.Scopes[0].Limit.String())

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/budget?kind=nobody", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	s := setupServer(t, providertest.New("test"))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatchOwnerKindIsCaseInsensitive(t *testing.T) {
	policy := models.BudgetPolicy{
		Kind: models.OwnerUser, Owner: "alice", Period: models.PeriodMonth,
		Limit: decimal.RequireFromString("0.001"), Overflow: models.OverflowDeny,
	}

	for _, kind := range []string{"user", "USER", " User "} {
		t.Run(kind, func(t *testing.T) {
			s := setupServer(t, providertest.New("test", providertest.OK("Hello!", 1000, 500)), policy)
			body := strings.Replace(dispatchBody, `"kind": "user"`, `"kind": "`+kind+`"`, 1)

			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(body)))
			assert.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
		})
	}
}
