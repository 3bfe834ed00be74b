// Package memory provides the in-memory incident cache and blob store.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/metrics"
)

// CacheConfig bounds the cache.
type CacheConfig struct {
	// Retention is how long closed incidents stay queryable.
	Retention time.Duration
	// MaxSize is the target entry count enforced by EnforceSizeLimit.
	MaxSize int
}

// CacheOption customizes an IncidentCache.
type CacheOption func(*IncidentCache)

// WithCacheClock swaps the time source.
func WithCacheClock(clock clockwork.Clock) CacheOption {
	return func(c *IncidentCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithCacheLogger attaches a logger.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *IncidentCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// ReconcileResult lists the ids touched by Reconcile.
type ReconcileResult struct {
	Closed    []string
	Refreshed []string
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Total         int           `json:"total"`
	Active        int           `json:"active"`
	Closed        int           `json:"closed"`
	MaxSize       int           `json:"max_size"`
	Retention     time.Duration `json:"retention"`
	TotalCleanups int64         `json:"total_cleanups"`
	TotalExpired  int64         `json:"total_expired"`
	TotalEvicted  int64         `json:"total_evicted"`
	LastCleanup   *time.Time    `json:"last_cleanup,omitempty"`
	Utilization   float64       `json:"utilization"`
}

// IncidentCache stores incidents by id. All methods are safe for concurrent use
// and copy values in and out.
type IncidentCache struct {
	cfg    CacheConfig
	clock  clockwork.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	incidents   map[string]incident.Incident
	cleanups    int64
	expired     int64
	evicted     int64
	lastCleanup time.Time
}

// NewIncidentCache constructs an empty cache.
func NewIncidentCache(cfg CacheConfig, opts ...CacheOption) *IncidentCache {
	c := &IncidentCache{
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		incidents: make(map[string]incident.Incident),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxSize returns the configured size target.
func (c *IncidentCache) MaxSize() int {
	return c.cfg.MaxSize
}

// Upsert inserts or replaces an incident, keeping the original FirstSeen.
// It reports whether the id was new.
func (c *IncidentCache) Upsert(inc incident.Incident) bool {
	inc = inc.Clone()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, found := c.incidents[inc.ID]
	if found && !existing.FirstSeen.IsZero() {
		inc.FirstSeen = existing.FirstSeen
	}
	if inc.FirstSeen.IsZero() {
		inc.FirstSeen = now
	}
	if inc.LastSeen.Before(inc.FirstSeen) {
		inc.LastSeen = inc.FirstSeen
	}
	if inc.Status == "" {
		inc.Status = incident.StatusActive
	}
	switch inc.Status {
	case incident.StatusActive:
		inc.ClosedAt = nil
	case incident.StatusClosed:
		switch {
		case inc.ClosedAt != nil:
		case found && existing.ClosedAt != nil:
			inc.ClosedAt = existing.Clone().ClosedAt
		default:
			inc.ClosedAt = &now
		}
	}
	c.incidents[inc.ID] = inc
	return !found
}

// Get returns a copy of the incident.
func (c *IncidentCache) Get(id string) (incident.Incident, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inc, ok := c.incidents[id]
	if !ok {
		return incident.Incident{}, false
	}
	return inc.Clone(), true
}

// Len returns the number of cached incidents.
func (c *IncidentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.incidents)
}

// ListActive returns active incidents, newest first.
func (c *IncidentCache) ListActive() []incident.Incident {
	return c.Search(incident.SearchFilters{Status: incident.StatusActive})
}

// ListAll returns every incident, newest first.
func (c *IncidentCache) ListAll() []incident.Incident {
	return c.Search(incident.SearchFilters{})
}

// Search returns incidents matching every set filter, newest first.
func (c *IncidentCache) Search(f incident.SearchFilters) []incident.Incident {
	page, _ := c.SearchPage(f)
	return page
}

// SearchPage is Search plus the match count before Offset and Limit apply.
func (c *IncidentCache) SearchPage(f incident.SearchFilters) ([]incident.Incident, int) {
	m := newMatcher(f)

	c.mu.RLock()
	out := make([]incident.Incident, 0, len(c.incidents))
	for _, inc := range c.incidents {
		if m.match(inc) {
			out = append(out, inc.Clone())
		}
	}
	c.mu.RUnlock()

	sortNewestFirst(out)
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []incident.Incident{}, total
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, total
}

// MarkClosed closes an active incident. It returns false when the id is
// unknown or already closed.
func (c *IncidentCache) MarkClosed(id string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	inc, ok := c.incidents[id]
	if !ok || inc.Status != incident.StatusActive {
		return false
	}
	c.incidents[id] = closeIncident(inc, now)
	return true
}

// Reconcile closes active incidents missing from current and refreshes
// LastSeen on tracked incidents that are present.
func (c *IncidentCache) Reconcile(current map[string]struct{}) ReconcileResult {
	now := c.now()
	var res ReconcileResult

	c.mu.Lock()
	for id, inc := range c.incidents {
		if _, present := current[id]; present {
			inc.LastSeen = now
			c.incidents[id] = inc
			res.Refreshed = append(res.Refreshed, id)
			continue
		}
		if inc.Status == incident.StatusActive {
			c.incidents[id] = closeIncident(inc, now)
			res.Closed = append(res.Closed, id)
		}
	}
	c.mu.Unlock()

	sort.Strings(res.Closed)
	sort.Strings(res.Refreshed)
	if len(res.Closed) > 0 {
		c.logger.Debug("closed incidents missing from feed", zap.Strings("ids", res.Closed))
	}
	return res
}

// Touch refreshes LastSeen for the given tracked ids and returns how many
// were found.
func (c *IncidentCache) Touch(ids ...string) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	touched := 0
	for _, id := range ids {
		inc, ok := c.incidents[id]
		if !ok {
			continue
		}
		inc.LastSeen = now
		c.incidents[id] = inc
		touched++
	}
	return touched
}

// CleanupExpired removes closed incidents older than the retention window.
// Active incidents are never removed.
func (c *IncidentCache) CleanupExpired() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	if c.cfg.Retention > 0 {
		for id, inc := range c.incidents {
			if inc.Status == incident.StatusClosed && inc.ClosedAt != nil && now.Sub(*inc.ClosedAt) > c.cfg.Retention {
				delete(c.incidents, id)
				removed++
			}
		}
	}
	c.cleanups++
	c.expired += int64(removed)
	c.lastCleanup = now
	c.mu.Unlock()

	metrics.ObserveCacheRemovals("expired", removed)
	if removed > 0 {
		c.logger.Info("removed expired incidents", zap.Int("removed", removed))
	}
	return removed
}

// EnforceSizeLimit evicts closed incidents, oldest ClosedAt first, until the
// cache holds at most maxSize entries. Active incidents are never evicted.
func (c *IncidentCache) EnforceSizeLimit(maxSize int) int {
	if maxSize < 0 {
		return 0
	}
	c.mu.Lock()
	excess := len(c.incidents) - maxSize
	if excess <= 0 {
		c.mu.Unlock()
		return 0
	}
	closed := make([]incident.Incident, 0, len(c.incidents))
	for _, inc := range c.incidents {
		if inc.Status == incident.StatusClosed {
			closed = append(closed, inc)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		a, b := closedAt(closed[i]), closedAt(closed[j])
		if a.Equal(b) {
			return closed[i].ID < closed[j].ID
		}
		return a.Before(b)
	})
	evicted := 0
	for _, inc := range closed {
		if evicted >= excess {
			break
		}
		delete(c.incidents, inc.ID)
		evicted++
	}
	c.evicted += int64(evicted)
	remaining := len(c.incidents)
	c.mu.Unlock()

	metrics.ObserveCacheRemovals("evicted", evicted)
	if remaining > maxSize {
		c.logger.Warn("cache above size limit with only active incidents left",
			zap.Int("size", remaining), zap.Int("max_size", maxSize))
	}
	return evicted
}

// Stats snapshots counts and cleanup totals.
func (c *IncidentCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := CacheStats{
		Total:         len(c.incidents),
		MaxSize:       c.cfg.MaxSize,
		Retention:     c.cfg.Retention,
		TotalCleanups: c.cleanups,
		TotalExpired:  c.expired,
		TotalEvicted:  c.evicted,
	}
	for _, inc := range c.incidents {
		if inc.Status == incident.StatusActive {
			s.Active++
		} else {
			s.Closed++
		}
	}
	if !c.lastCleanup.IsZero() {
		last := c.lastCleanup
		s.LastCleanup = &last
	}
	if c.cfg.MaxSize > 0 {
		s.Utilization = float64(s.Total) / float64(c.cfg.MaxSize)
	}
	return s
}

// Clear drops every incident.
func (c *IncidentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incidents = make(map[string]incident.Incident)
}

func (c *IncidentCache) now() time.Time {
	return c.clock.Now().UTC()
}

func closeIncident(inc incident.Incident, now time.Time) incident.Incident {
	inc.Status = incident.StatusClosed
	closed := now
	inc.ClosedAt = &closed
	return inc
}

func closedAt(inc incident.Incident) time.Time {
	if inc.ClosedAt == nil {
		return time.Time{}
	}
	return *inc.ClosedAt
}

func sortNewestFirst(incidents []incident.Incident) {
	sort.Slice(incidents, func(i, j int) bool {
		a, b := incidents[i], incidents[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

type matcher struct {
	f       incident.SearchFilters
	typ     string
	address string
	query   string
}

func newMatcher(f incident.SearchFilters) matcher {
	return matcher{
		f:       f,
		typ:     strings.ToLower(strings.TrimSpace(f.Type)),
		address: strings.ToLower(strings.TrimSpace(f.Address)),
		query:   strings.ToLower(strings.TrimSpace(f.Query)),
	}
}

func (m matcher) match(inc incident.Incident) bool {
	if m.f.Status != "" && inc.Status != m.f.Status {
		return false
	}
	if m.typ != "" && !strings.Contains(strings.ToLower(inc.Type), m.typ) {
		return false
	}
	if m.address != "" && !strings.Contains(strings.ToLower(inc.Address), m.address) {
		return false
	}
	if m.f.Priority != 0 && inc.Priority != m.f.Priority {
		return false
	}
	if m.f.Since != nil && inc.Timestamp.Before(*m.f.Since) {
		return false
	}
	if m.f.Until != nil && inc.Timestamp.After(*m.f.Until) {
		return false
	}
	if m.query != "" && !m.matchQuery(inc) {
		return false
	}
	return true
}

func (m matcher) matchQuery(inc incident.Incident) bool {
	for _, field := range []string{inc.Type, inc.Address, inc.ID} {
		if strings.Contains(strings.ToLower(field), m.query) {
			return true
		}
	}
	for _, unit := range inc.Units {
		if strings.Contains(strings.ToLower(unit), m.query) {
			return true
		}
	}
	return false
}
