package models

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Capability is a feature a model supports.
type Capability string

const (
	CapText        Capability = "text"
	CapVision      Capability = "vision"
	CapAudio       Capability = "audio"
	CapToolUse     Capability = "tool-use"
	CapStreaming   Capability = "streaming"
	CapLongContext Capability = "long-context"
)

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CapText, CapVision, CapAudio, CapToolUse, CapStreaming, CapLongContext:
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Tier is a coarse quality class.
type Tier string

const (
	TierFrontier Tier = "frontier"
	TierMid      Tier = "mid"
	TierCheap    Tier = "cheap"
)

// ParseTier validates a tier name. An empty string yields TierMid.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TierMid, nil
	case TierFrontier, TierMid, TierCheap:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Quality maps a tier onto [0, 1], frontier highest.
func (t Tier) Quality() float64 {
	switch t {
	case TierFrontier:
		return 1
	case TierMid:
		return 0.5
	default:
		return 0
	}
}

// Descriptor describes one model offered by one provider, with its pricing.
// Descriptors are immutable once loaded into a catalog.
type Descriptor struct {
	Provider           string          `json:"provider"`
	Model              string          `json:"model"`
	InputCostPer1K     decimal.Decimal `json:"input_cost_per_1k"`
	OutputCostPer1K    decimal.Decimal `json:"output_cost_per_1k"`
	ImageCost          decimal.Decimal `json:"image_cost"`
	AudioCostPerSecond decimal.Decimal `json:"audio_cost_per_second"`
	MaxContextTokens   int             `json:"max_context_tokens"`
	MaxOutputTokens    int             `json:"max_output_tokens,omitempty"`
	Capabilities       []Capability    `json:"capabilities"`
	Tier               Tier            `json:"tier"`
	LatencyMs          int             `json:"latency_ms,omitempty"`
	Available          bool            `json:"available"`
}

// Key returns the catalog key "provider/model".
func (d Descriptor) Key() string {
	return d.Provider + "/" + d.Model
}

// HasCapability reports whether the descriptor declares c.
func (d Descriptor) HasCapability(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// HasAll reports whether every capability in want is declared.
func (d Descriptor) HasAll(want []Capability) bool {
	for _, c := range want {
		if !d.HasCapability(c) {
			return false
		}
	}
	return true
}
