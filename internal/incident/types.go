// Package incident defines the core types shared across the ingestion pipeline.
package incident

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an incident.
type Status string

// Incident status values held in the cache.
const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Priority bounds accepted by the normalizer.
const (
	MinPriority = 1
	MaxPriority = 10
)

// RawRecord is one unparsed row scraped from the feed table.
type RawRecord struct {
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
	Priority  string `json:"priority"`
	Units     string `json:"units"`
	Address   string `json:"address"`
	Type      string `json:"type"`
}

// Incident is the normalized record tracked by the cache.
type Incident struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Priority  int        `json:"priority"`
	Units     []string   `json:"units"`
	Address   string     `json:"address"`
	Type      string     `json:"type"`
	Status    Status     `json:"status"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	// Raw carries the source row untouched; nothing in the pipeline reads it.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// IsActive reports whether the incident is still open.
func (i Incident) IsActive() bool {
	return i.Status == StatusActive
}

// Clone returns a deep copy so callers never share slices or pointers with the cache.
func (i Incident) Clone() Incident {
	cp := i
	if i.Units != nil {
		cp.Units = append([]string(nil), i.Units...)
	}
	if i.ClosedAt != nil {
		closed := *i.ClosedAt
		cp.ClosedAt = &closed
	}
	if i.Raw != nil {
		cp.Raw = append(json.RawMessage(nil), i.Raw...)
	}
	return cp
}

// SearchFilters narrows cache queries. Zero values disable a filter.
type SearchFilters struct {
	Status   Status
	Type     string
	Address  string
	Priority int
	Since    *time.Time
	Until    *time.Time
	Query    string
	Offset   int
	Limit    int
}

// Event is the payload announced when an incident opens or closes.
type Event struct {
	Type       string    `json:"type"`
	IncidentID string    `json:"incident_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Incident   Incident  `json:"incident"`
}

// Event types published for lifecycle transitions.
const (
	EventOpened = "incident.opened"
	EventClosed = "incident.closed"
)
