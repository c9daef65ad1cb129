package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSource []byte

// DefaultSourceName identifies the embedded pricing table in reports.
const DefaultSourceName = "<embedded defaults>"

// LoadReport describes the outcome of loading pricing sources.
type LoadReport struct {
	Loaded   int         `json:"loaded"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Rejection is a pricing entry that failed validation.
type Rejection struct {
	Source string `json:"source"`
	Index  int    `json:"index"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
}

// rawEntry uses pointers so missing required keys can be told apart from zero.
type rawEntry struct {
	Provider           *string  `yaml:"provider" toml:"provider"`
	Model              *string  `yaml:"model" toml:"model"`
	InputCostPer1K     *float64 `yaml:"input_cost_per_1k" toml:"input_cost_per_1k"`
	OutputCostPer1K    *float64 `yaml:"output_cost_per_1k" toml:"output_cost_per_1k"`
	ImageCost          float64  `yaml:"image_cost" toml:"image_cost"`
	AudioCostPerSecond float64  `yaml:"audio_cost_per_second" toml:"audio_cost_per_second"`
	Capabilities       []string `yaml:"capabilities" toml:"capabilities"`
	Tier               string   `yaml:"tier" toml:"tier"`
	MaxContextTokens   int      `yaml:"max_context_tokens" toml:"max_context_tokens"`
	MaxOutputTokens    int      `yaml:"max_output_tokens" toml:"max_output_tokens"`
	LatencyMs          int      `yaml:"latency_ms" toml:"latency_ms"`
	Available          *bool    `yaml:"available" toml:"available"`
}

type rawSource struct {
	Models []rawEntry `yaml:"models" toml:"models"`
}

// loadSources merges the embedded defaults with the override file. Entries
// in the override replace defaults with the same provider/model key.
func loadSources(overridePath string) ([]models.Descriptor, LoadReport, error) {
	var report LoadReport

	base, err := parseSource(DefaultSourceName, defaultSource, "yaml", &report)
	if err != nil {
		return nil, report, err
	}

	merged := make(map[string]models.Descriptor, len(base))
	order := make([]string, 0, len(base))
	add := func(ds []models.Descriptor) {
		for _, d := range ds {
			if _, seen := merged[d.Key()]; !seen {
				order = append(order, d.Key())
			}
			merged[d.Key()] = d
		}
	}
	add(base)

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, report, fmt.Errorf("read pricing source: %w", err)
		}
		format := "yaml"
		if strings.EqualFold(filepath.Ext(overridePath), ".toml") {
			format = "toml"
		}
		over, err := parseSource(overridePath, data, format, &report)
		if err != nil {
			return nil, report, err
		}
		add(over)
	}

	out := make([]models.Descriptor, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	report.Loaded = len(out)
	return out, report, nil
}

// ParseSource parses a pricing table in the given format ("yaml" or "toml").
// Invalid entries are skipped and listed in the report.
func ParseSource(name string, data []byte, format string) ([]models.Descriptor, LoadReport, error) {
	var report LoadReport
	ds, err := parseSource(name, data, format, &report)
	report.Loaded = len(ds)
	return ds, report, err
}

func parseSource(name string, data []byte, format string, report *LoadReport) ([]models.Descriptor, error) {
	var src rawSource
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), &src); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSource, name, err)
		}
	default:
		if err := yaml.Unmarshal(data, &src); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSource, name, err)
		}
	}

	out := make([]models.Descriptor, 0, len(src.Models))
	for i, e := range src.Models {
		d, err := e.descriptor()
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{
				Source: name,
				Index:  i,
				Key:    e.key(),
				Reason: err.Error(),
			})
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (e rawEntry) key() string {
	var p, m string
	if e.Provider != nil {
		p = *e.Provider
	}
	if e.Model != nil {
		m = *e.Model
	}
	if p == "" && m == "" {
		return ""
	}
	return p + "/" + m
}

func (e rawEntry) descriptor() (models.Descriptor, error) {
	var missing []string
	if e.Provider == nil || strings.TrimSpace(*e.Provider) == "" {
		missing = append(missing, "provider")
	}
	if e.Model == nil || strings.TrimSpace(*e.Model) == "" {
		missing = append(missing, "model")
	}
	if e.InputCostPer1K == nil {
		missing = append(missing, "input_cost_per_1k")
	}
	if e.OutputCostPer1K == nil {
		missing = append(missing, "output_cost_per_1k")
	}
	if len(missing) > 0 {
		return models.Descriptor{}, fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}
	if *e.InputCostPer1K < 0 || *e.OutputCostPer1K < 0 || e.ImageCost < 0 || e.AudioCostPerSecond < 0 {
		return models.Descriptor{}, fmt.Errorf("negative price")
	}
	if e.MaxContextTokens < 0 || e.MaxOutputTokens < 0 || e.LatencyMs < 0 {
		return models.Descriptor{}, fmt.Errorf("negative token or latency limit")
	}

	tier, err := models.ParseTier(e.Tier)
	if err != nil {
		return models.Descriptor{}, err
	}
	caps := make([]models.Capability, 0, len(e.Capabilities))
	for _, s := range e.Capabilities {
		c, err := models.ParseCapability(s)
		if err != nil {
			return models.Descriptor{}, err
		}
		caps = append(caps, c)
	}

	available := true
	if e.Available != nil {
		available = *e.Available
	}

	return models.Descriptor{
		Provider:           strings.TrimSpace(*e.Provider),
		Model:              strings.TrimSpace(*e.Model),
		InputCostPer1K:     decimal.NewFromFloat(*e.InputCostPer1K),
		OutputCostPer1K:    decimal.NewFromFloat(*e.OutputCostPer1K),
		ImageCost:          decimal.NewFromFloat(e.ImageCost),
		AudioCostPerSecond: decimal.NewFromFloat(e.AudioCostPerSecond),
		MaxContextTokens:   e.MaxContextTokens,
		MaxOutputTokens:    e.MaxOutputTokens,
		Capabilities:       caps,
		Tier:               tier,
		LatencyMs:          e.LatencyMs,
		Available:          available,
	}, nil
}
