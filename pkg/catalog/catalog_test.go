package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaults(t *testing.T) {
	c, report, err := New("")
	require.NoError(t, err)
	assert.Empty(t, report.Rejected, "embedded defaults must be valid")
	assert.Equal(t, report.Loaded, c.Snapshot().Len())

	d, ok := c.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, models.TierFrontier, d.Tier)
	assert.True(t, d.Available)
	assert.True(t, d.HasCapability(models.CapVision))

	list := c.List(Filter{})
	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1], list[i]
		assert.True(t, prev.Provider < cur.Provider || (prev.Provider == cur.Provider && prev.Model < cur.Model),
			"list not ordered at %d: %s then %s", i, prev.Key(), cur.Key())
	}
}

func TestOverrideReplacesAndAdds(t *testing.T) {
	path := writeSource(t, "pricing.yaml", `
models:
  - provider: openai
    model: gpt-4o
    input_cost_per_1k: 0.002
    output_cost_per_1k: 0.008
    tier: frontier
    max_context_tokens: 128000
  - provider: local
    model: llama-3-8b
    input_cost_per_1k: 0
    output_cost_per_1k: 0
    tier: cheap
    capabilities: [text]
    max_context_tokens: 8192
    some_future_key: ignored
`)
	c, report, err := New(path)
	require.NoError(t, err)
	assert.Empty(t, report.Rejected)

	d, ok := c.Lookup("openai", "gpt-4o")
	require.True(t, ok)
	assert.True(t, d.InputCostPer1K.Equal(decimal.RequireFromString("0.002")))

	d, ok = c.Lookup("local", "llama-3-8b")
	require.True(t, ok)
	assert.Equal(t, 8192, d.MaxContextTokens)
	assert.True(t, d.InputCostPer1K.IsZero())
}

func TestOverrideTOML(t *testing.T) {
	path := writeSource(t, "pricing.toml", `
[[models]]
provider = "acme"
model = "fast-1"
input_cost_per_1k = 0.001
output_cost_per_1k = 0.002
capabilities = ["text", "streaming"]
tier = "mid"
max_context_tokens = 32000
available = false
`)
	c, _, err := New(path)
	require.NoError(t, err)

	d, ok := c.Lookup("acme", "fast-1")
	require.True(t, ok, "lookup returns unavailable descriptors")
	assert.False(t, d.Available)
	assert.Empty(t, c.List(Filter{Provider: "acme"}))
	assert.Len(t, c.List(Filter{Provider: "acme", IncludeUnavailable: true}), 1)
}

func TestRejectsInvalidEntries(t *testing.T) {
	path := writeSource(t, "pricing.yaml", `
models:
  - provider: acme
    model: no-output-price
    input_cost_per_1k: 0.001
  - model: no-provider
    input_cost_per_1k: 0.001
    output_cost_per_1k: 0.001
  - provider: acme
    model: bad-tier
    input_cost_per_1k: 0.001
    output_cost_per_1k: 0.001
    tier: legendary
  - provider: acme
    model: good
    input_cost_per_1k: 0.001
    output_cost_per_1k: 0.001
`)
	c, report, err := New(path)
	require.NoError(t, err)
	require.Len(t, report.Rejected, 3)
	assert.Equal(t, "acme/no-output-price", report.Rejected[0].Key)
	assert.Contains(t, report.Rejected[0].Reason, "output_cost_per_1k")
	assert.Contains(t, report.Rejected[1].Reason, "provider")

	_, ok := c.Lookup("acme", "good")
	assert.True(t, ok)
	_, ok = c.Lookup("acme", "no-output-price")
	assert.False(t, ok)
}

func TestEstimate(t *testing.T) {
	d := models.Descriptor{
		Provider:        "acme",
		Model:           "m",
		InputCostPer1K:  decimal.RequireFromString("0.001"),
		OutputCostPer1K: decimal.RequireFromString("0.002"),
		ImageCost:       decimal.RequireFromString("0.01"),
		Available:       true,
	}
	c := NewFromDescriptors([]models.Descriptor{d})

	cost, err := c.Estimate(d, 1000, 500)
	require.NoError(t, err)
	assert.Equal(t, "0.002", cost.String())

	cost, err = c.Snapshot().EstimateRequest(d, &models.Request{PromptTokens: 1000, ExpectedCompletionTokens: 500, Images: 2})
	require.NoError(t, err)
	assert.Equal(t, "0.022", cost.String())

	_, err = c.Estimate(models.Descriptor{Provider: "acme", Model: "other"}, 1, 1)
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestListFilters(t *testing.T) {
	c := NewFromDescriptors([]models.Descriptor{
		{Provider: "a", Model: "cheap", Tier: models.TierCheap, Available: true,
			InputCostPer1K: decimal.RequireFromString("0.0001"), OutputCostPer1K: decimal.RequireFromString("0.0001"),
			Capabilities: []models.Capability{models.CapText}},
		{Provider: "a", Model: "vision", Tier: models.TierFrontier, Available: true,
			InputCostPer1K: decimal.RequireFromString("0.01"), OutputCostPer1K: decimal.RequireFromString("0.03"),
			Capabilities: []models.Capability{models.CapText, models.CapVision}},
		{Provider: "b", Model: "off", Tier: models.TierMid, Available: false,
			Capabilities: []models.Capability{models.CapText, models.CapVision}},
	})

	assert.Len(t, c.List(Filter{}), 2)
	assert.Len(t, c.List(Filter{Capabilities: []models.Capability{models.CapVision}}), 1)
	assert.Len(t, c.List(Filter{Tier: models.TierCheap}), 1)

	capped := c.List(Filter{MaxCost: decimal.RequireFromString("0.01"), PromptTokens: 1000, CompletionTokens: 1000})
	require.Len(t, capped, 1)
	assert.Equal(t, "cheap", capped[0].Model)
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := writeSource(t, "pricing.yaml", `
models:
  - provider: acme
    model: one
    input_cost_per_1k: 0.001
    output_cost_per_1k: 0.001
`)
	c, _, err := New(path)
	require.NoError(t, err)
	before := c.Snapshot()

	require.NoError(t, os.WriteFile(path, []byte("models: [unclosed"), 0644))
	_, err = c.Reload()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSource))
	assert.Same(t, before, c.Snapshot())

	require.NoError(t, os.Remove(path))
	_, err = c.Reload()
	require.Error(t, err)
	assert.Same(t, before, c.Snapshot())
}

func TestReloadIsAtomicForReaders(t *testing.T) {
	one := `
models:
  - provider: acme
    model: one
    input_cost_per_1k: 0.001
    output_cost_per_1k: 0.001
`
	two := one + `
  - provider: acme
    model: two
    input_cost_per_1k: 0.001
    output_cost_per_1k: 0.001
`
	path := writeSource(t, "pricing.yaml", one)
	c, _, err := New(path)
	require.NoError(t, err)
	base := c.Snapshot().Len() - 1

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := c.Snapshot()
				_, hasTwo := snap.Lookup("acme", "two")
				if hasTwo {
					assert.Equal(t, base+2, snap.Len())
				} else {
					assert.Equal(t, base+1, snap.Len())
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		content := one
		if i%2 == 0 {
			content = two
		}
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		_, err := c.Reload()
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeSource(t, "pricing.yaml", `
models:
  - provider: acme
    model: one
    input_cost_per_1k: 0.001
    output_cost_per_1k: 0.001
`)
	c, _, err := New(path)
	require.NoError(t, err)
	startVersion := c.Snapshot().Version()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - provider: acme
    model: one
    input_cost_per_1k: 0.005
    output_cost_per_1k: 0.001
`), 0644))

	assert.Eventually(t, func() bool {
		d, ok := c.Lookup("acme", "one")
		return ok && d.InputCostPer1K.Equal(decimal.RequireFromString("0.005"))
	}, 3*time.Second, 20*time.Millisecond)
	assert.Greater(t, c.Snapshot().Version(), startVersion)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchRequiresOverride(t *testing.T) {
	c := NewFromDescriptors(nil)
	assert.Error(t, c.Watch(context.Background()))
}
