// Package health tracks per-provider health from observed call outcomes.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/switchboard/pkg/models"
	log "github.com/sirupsen/logrus"
)

// Config holds the state machine thresholds.
type Config struct {
	DegradeAfter  int           `yaml:"degrade_after"`
	DegradeWindow time.Duration `yaml:"degrade_window"`
	DownAfter     int           `yaml:"down_after"`
	CooldownBase  time.Duration `yaml:"cooldown_base"`
	CooldownMax   time.Duration `yaml:"cooldown_max"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		DegradeAfter:  2,
		DegradeWindow: time.Minute,
		DownAfter:     5,
		CooldownBase:  60 * time.Second,
		CooldownMax:   30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = d.DegradeAfter
	}
	if c.DegradeWindow <= 0 {
		c.DegradeWindow = d.DegradeWindow
	}
	if c.DownAfter <= 0 {
		c.DownAfter = d.DownAfter
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = d.CooldownBase
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = d.CooldownMax
	}
	return c
}

// latencyAlpha weights the newest sample in the rolling latency average.
const latencyAlpha = 0.2

type entry struct {
	mu sync.Mutex

	attempts    int64
	successes   int64
	failures    int64
	consecutive int
	// failure times of the current consecutive run, newest last
	run           []time.Time
	lastKind      models.ErrorKind
	lastFailureAt time.Time
	cooldownUntil time.Time
	avgLatencyMs  float64
}

// Registry is safe for concurrent use. Each provider has its own lock, so
// updates for different providers never contend.
type Registry struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	providers map[string]*entry
}

// New creates a Registry. A nil clock uses time.Now.
func New(cfg Config, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:       cfg.withDefaults(),
		now:       now,
		providers: make(map[string]*entry),
	}
}

func (r *Registry) get(provider string) *entry {
	r.mu.RLock()
	e, ok := r.providers[provider]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.providers[provider]; !ok {
		e = &entry{}
		r.providers[provider] = e
	}
	return e
}

// RecordSuccess resets the failure run and returns the provider to HEALTHY.
func (r *Registry) RecordSuccess(provider string, latency time.Duration) {
	e := r.get(provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.now()
	wasDown := !e.cooldownUntil.IsZero()
	e.attempts++
	e.successes++
	e.observeLatency(latency)

	// A call that started before the provider went DOWN does not count
	// as a probe; recovery needs a success after the cool-down.
	if wasDown && now.Before(e.cooldownUntil) {
		return
	}
	e.consecutive = 0
	e.run = e.run[:0]
	e.cooldownUntil = time.Time{}

	if wasDown {
		log.WithField("provider", provider).Info("provider recovered")
	}
}

func (e *entry) observeLatency(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	if e.successes == 1 {
		e.avgLatencyMs = ms
		return
	}
	e.avgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*e.avgLatencyMs
}

// RecordFailure counts a failed call. invalid_request is the caller's
// fault and never affects health.
func (r *Registry) RecordFailure(provider string, kind models.ErrorKind) {
	if kind == models.ErrInvalidRequest {
		return
	}

	now := r.now()
	e := r.get(provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	before := r.status(e, now)
	e.attempts++
	e.failures++
	e.consecutive++
	e.lastKind = kind
	e.lastFailureAt = now
	e.run = append(e.run, now)
	if len(e.run) > r.cfg.DownAfter {
		e.run = e.run[len(e.run)-r.cfg.DownAfter:]
	}

	if kind == models.ErrAuth || kind == models.ErrQuota || e.consecutive >= r.cfg.DownAfter || !e.cooldownUntil.IsZero() {
		// A failed probe after cool-down re-arms with a longer cool-down.
		e.cooldownUntil = now.Add(r.cooldown(e.consecutive))
	}

	if after := r.status(e, now); after != before {
		log.WithFields(log.Fields{
			"provider":    provider,
			"from":        before,
			"to":          after,
			"kind":        kind,
			"consecutive": e.consecutive,
		}).Warn("provider health changed")
	}
}

func (r *Registry) cooldown(consecutive int) time.Duration {
	d := r.cfg.CooldownBase
	for i := 1; i < consecutive; i++ {
		d *= 2
		if d >= r.cfg.CooldownMax {
			return r.cfg.CooldownMax
		}
	}
	if d > r.cfg.CooldownMax {
		return r.cfg.CooldownMax
	}
	return d
}

// status derives the state from counters; callers hold e.mu.
func (r *Registry) status(e *entry, now time.Time) models.ProviderStatus {
	if !e.cooldownUntil.IsZero() {
		return models.StatusDown
	}
	recent := 0
	cutoff := now.Add(-r.cfg.DegradeWindow)
	for _, t := range e.run {
		if !t.Before(cutoff) {
			recent++
		}
	}
	if recent >= r.cfg.DegradeAfter {
		return models.StatusDegraded
	}
	return models.StatusHealthy
}

func (r *Registry) record(provider string, e *entry, now time.Time) models.HealthRecord {
	return models.HealthRecord{
		Provider:            provider,
		Status:              r.status(e, now),
		Attempts:            e.attempts,
		Successes:           e.successes,
		Failures:            e.failures,
		ConsecutiveFailures: e.consecutive,
		LastFailureKind:     e.lastKind,
		LastFailureAt:       e.lastFailureAt,
		CooldownUntil:       e.cooldownUntil,
		AvgLatencyMs:        e.avgLatencyMs,
	}
}

// Status returns the provider's state and, when DOWN, its cool-down expiry.
// Unknown providers are HEALTHY.
func (r *Registry) Status(provider string) (models.ProviderStatus, time.Time) {
	r.mu.RLock()
	e, ok := r.providers[provider]
	r.mu.RUnlock()
	if !ok {
		return models.StatusHealthy, time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.status(e, r.now()), e.cooldownUntil
}

// IsSelectable is false only while the provider is DOWN and cooling down.
// Once the cool-down expires the provider is selectable for a probe.
func (r *Registry) IsSelectable(provider string) bool {
	status, until := r.Status(provider)
	return status != models.StatusDown || !r.now().Before(until)
}

// Reset forgets everything known about provider.
func (r *Registry) Reset(provider string) {
	r.mu.Lock()
	delete(r.providers, provider)
	r.mu.Unlock()
}

// Snapshot copies every known record at a single instant.
func (r *Registry) Snapshot() Snapshot {
	now := r.now()
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	entries := make([]*entry, 0, len(r.providers))
	for name, e := range r.providers {
		names = append(names, name)
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	s := Snapshot{At: now, Records: make(map[string]models.HealthRecord, len(names))}
	for i, e := range entries {
		e.mu.Lock()
		s.Records[names[i]] = r.record(names[i], e, now)
		e.mu.Unlock()
	}
	return s
}

// Snapshot is an immutable copy of the registry.
type Snapshot struct {
	At      time.Time
	Records map[string]models.HealthRecord
}

// IsSelectable applies the registry's rule to the copied records.
func (s Snapshot) IsSelectable(provider string) bool {
	rec, ok := s.Records[provider]
	if !ok || rec.Status != models.StatusDown {
		return true
	}
	return !s.At.Before(rec.CooldownUntil)
}

// Sorted returns the records ordered by provider name.
func (s Snapshot) Sorted() []models.HealthRecord {
	out := make([]models.HealthRecord, 0, len(s.Records))
	for _, rec := range s.Records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
