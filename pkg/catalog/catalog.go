// Package catalog holds the pricing catalog: the set of model descriptors
// the dispatcher may choose from, with their unit prices.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnknownModel is returned when a descriptor is not in the active catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrInvalidSource is returned when a pricing source cannot be parsed.
	ErrInvalidSource = errors.New("invalid pricing source")
)

var thousand = decimal.NewFromInt(1000)

// Filter narrows List results. Zero values do not filter.
type Filter struct {
	Provider           string
	Capabilities       []models.Capability
	Tier               models.Tier
	MaxCost            decimal.Decimal
	PromptTokens       int
	CompletionTokens   int
	IncludeUnavailable bool
}

// Snapshot is an immutable view of the catalog at one point in time.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	byKey    map[string]models.Descriptor
	sorted   []models.Descriptor
}

func newSnapshot(version uint64, ds []models.Descriptor) *Snapshot {
	s := &Snapshot{
		version:  version,
		loadedAt: time.Now().UTC(),
		byKey:    make(map[string]models.Descriptor, len(ds)),
	}
	for _, d := range ds {
		s.byKey[d.Key()] = d
	}
	s.sorted = make([]models.Descriptor, 0, len(s.byKey))
	for _, d := range s.byKey {
		s.sorted = append(s.sorted, d)
	}
	sort.Slice(s.sorted, func(i, j int) bool {
		if s.sorted[i].Provider != s.sorted[j].Provider {
			return s.sorted[i].Provider < s.sorted[j].Provider
		}
		return s.sorted[i].Model < s.sorted[j].Model
	})
	return s
}

// Version increases by one on every successful reload.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of descriptors, available or not.
func (s *Snapshot) Len() int { return len(s.sorted) }

// Lookup returns the descriptor for provider/model, including unavailable ones.
func (s *Snapshot) Lookup(provider, model string) (models.Descriptor, bool) {
	d, ok := s.byKey[provider+"/"+model]
	return d, ok
}

// List returns descriptors matching f, ordered by provider then model.
func (s *Snapshot) List(f Filter) []models.Descriptor {
	out := make([]models.Descriptor, 0, len(s.sorted))
	for _, d := range s.sorted {
		if !d.Available && !f.IncludeUnavailable {
			continue
		}
		if f.Provider != "" && d.Provider != f.Provider {
			continue
		}
		if f.Tier != "" && d.Tier != f.Tier {
			continue
		}
		if !d.HasAll(f.Capabilities) {
			continue
		}
		if f.MaxCost.IsPositive() && Price(d, f.PromptTokens, f.CompletionTokens).GreaterThan(f.MaxCost) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Estimate prices a call against d. It fails with ErrUnknownModel if d is
// not part of this snapshot.
func (s *Snapshot) Estimate(d models.Descriptor, promptTokens, completionTokens int) (decimal.Decimal, error) {
	if _, ok := s.byKey[d.Key()]; !ok {
		return decimal.Zero, fmt.Errorf("estimate %s: %w", d.Key(), ErrUnknownModel)
	}
	return Price(d, promptTokens, completionTokens), nil
}

// EstimateRequest prices req against d, including image and audio inputs.
func (s *Snapshot) EstimateRequest(d models.Descriptor, req *models.Request) (decimal.Decimal, error) {
	cost, err := s.Estimate(d, req.EstimatedPromptTokens(), req.CompletionBudget())
	if err != nil {
		return decimal.Zero, err
	}
	return cost.Add(MediaPrice(d, req.Images, req.AudioSeconds)), nil
}

// Price is the token cost of a call, independent of any catalog.
func Price(d models.Descriptor, promptTokens, completionTokens int) decimal.Decimal {
	in := d.InputCostPer1K.Mul(decimal.NewFromInt(int64(promptTokens))).Div(thousand)
	out := d.OutputCostPer1K.Mul(decimal.NewFromInt(int64(completionTokens))).Div(thousand)
	return in.Add(out)
}

// MediaPrice is the image and audio cost of a call.
func MediaPrice(d models.Descriptor, images int, audioSeconds float64) decimal.Decimal {
	cost := d.ImageCost.Mul(decimal.NewFromInt(int64(images)))
	if audioSeconds > 0 {
		cost = cost.Add(d.AudioCostPerSecond.Mul(decimal.NewFromFloat(audioSeconds)))
	}
	return cost
}

// Catalog is a copy-on-write pricing catalog. Readers never block and
// always see a complete snapshot.
type Catalog struct {
	overridePath string
	current      atomic.Pointer[Snapshot]

	mu      sync.Mutex // serializes reloads
	version uint64
}

// New loads the embedded defaults merged with the override file at
// overridePath. An empty path loads the defaults only.
func New(overridePath string) (*Catalog, LoadReport, error) {
	c := &Catalog{overridePath: overridePath}
	report, err := c.Reload()
	if err != nil {
		return nil, report, err
	}
	return c, report, nil
}

// NewFromDescriptors builds a catalog from an explicit descriptor list.
// Reload on such a catalog reloads the embedded defaults.
func NewFromDescriptors(ds []models.Descriptor) *Catalog {
	c := &Catalog{version: 1}
	c.current.Store(newSnapshot(1, ds))
	return c
}

// Snapshot returns the active snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Lookup returns the descriptor for provider/model from the active snapshot.
func (c *Catalog) Lookup(provider, model string) (models.Descriptor, bool) {
	return c.Snapshot().Lookup(provider, model)
}

// List returns matching descriptors from the active snapshot.
func (c *Catalog) List(f Filter) []models.Descriptor {
	return c.Snapshot().List(f)
}

// Estimate prices a call against the active snapshot.
func (c *Catalog) Estimate(d models.Descriptor, promptTokens, completionTokens int) (decimal.Decimal, error) {
	return c.Snapshot().Estimate(d, promptTokens, completionTokens)
}

// Reload re-reads the pricing sources and atomically swaps the active
// snapshot. On error the previous snapshot stays active.
func (c *Catalog) Reload() (LoadReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ds, report, err := loadSources(c.overridePath)
	if err != nil {
		log.WithError(err).WithField("source", c.overridePath).Error("pricing catalog reload failed, keeping previous catalog")
		return report, err
	}
	for _, r := range report.Rejected {
		log.WithFields(log.Fields{
			"source": r.Source,
			"entry":  r.Index,
			"key":    r.Key,
		}).Warnf("pricing entry rejected: %s", r.Reason)
	}

	c.version++
	c.current.Store(newSnapshot(c.version, ds))
	log.WithFields(log.Fields{
		"version":  c.version,
		"models":   len(ds),
		"rejected": len(report.Rejected),
	}).Info("pricing catalog loaded")
	return report, nil
}
