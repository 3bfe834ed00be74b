// Package normalizer turns raw feed rows into typed incidents.
package normalizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // feed zone must resolve on hosts without zoneinfo
	"unicode"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/incident"
)

// DefaultTimezone is the feed's home zone.
const DefaultTimezone = "America/Los_Angeles"

var timestampLayouts = []string{
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04:05",
	"1/2/06 3:04:05 PM",
	"1/2/06 15:04:05",
}

var priorityPattern = regexp.MustCompile(`\d+`)

// Options configures a Normalizer.
type Options struct {
	// Timezone is an IANA zone name; empty uses DefaultTimezone.
	Timezone string
	// AllowTimestampFallback substitutes the current time for unparseable
	// timestamps instead of rejecting the row.
	AllowTimestampFallback bool
	Clock                  clockwork.Clock
	Logger                 *zap.Logger
}

// Normalizer converts RawRecords into Incidents.
type Normalizer struct {
	loc           *time.Location
	allowFallback bool
	clock         clockwork.Clock
	logger        *zap.Logger
}

// Failure records a row that could not be normalized.
type Failure struct {
	Record incident.RawRecord `json:"record"`
	Reason string             `json:"reason"`
}

// Result separates normalized incidents from rejected rows.
type Result struct {
	Incidents []incident.Incident
	Failures  []Failure
}

// New builds a Normalizer.
func New(opts Options) (*Normalizer, error) {
	tz := opts.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		loc:           loc,
		allowFallback: opts.AllowTimestampFallback,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Normalize converts one row. Errors wrap incident.ErrNormalization.
func (n *Normalizer) Normalize(raw incident.RawRecord) (incident.Incident, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return incident.Incident{}, fmt.Errorf("%w: empty incident id", incident.ErrNormalization)
	}

	now := n.clock.Now().UTC()
	ts, err := n.ParseTimestamp(raw.Timestamp)
	if err != nil {
		if !n.allowFallback {
			return incident.Incident{}, fmt.Errorf("incident %s: %w", id, err)
		}
		n.logger.Warn("substituting current time for unparseable timestamp",
			zap.String("incident_id", id), zap.String("timestamp", raw.Timestamp))
		ts = now
	}

	priority, err := ParsePriority(raw.Priority)
	if err != nil {
		return incident.Incident{}, fmt.Errorf("incident %s: %w", id, err)
	}

	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return incident.Incident{}, fmt.Errorf("%w: encode raw record %s: %v", incident.ErrNormalization, id, err)
	}

	return incident.Incident{
		ID:        id,
		Timestamp: ts,
		Priority:  priority,
		Units:     ParseUnits(raw.Units),
		Address:   collapse(raw.Address),
		Type:      collapse(raw.Type),
		Status:    incident.StatusActive,
		FirstSeen: now,
		LastSeen:  now,
		Raw:       rawJSON,
	}, nil
}

// NormalizeAll normalizes every row, keeping failures alongside successes.
func (n *Normalizer) NormalizeAll(raws []incident.RawRecord) Result {
	res := Result{Incidents: make([]incident.Incident, 0, len(raws))}
	for _, raw := range raws {
		inc, err := n.Normalize(raw)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Record: raw, Reason: err.Error()})
			n.logger.Warn("skipping row", zap.String("incident_id", raw.ID), zap.Error(err))
			continue
		}
		res.Incidents = append(res.Incidents, inc)
	}
	return res
}

// ParseTimestamp reads the feed's civil time in the home zone and returns UTC.
func (n *Normalizer) ParseTimestamp(text string) (time.Time, error) {
	value := strings.ToUpper(collapse(text))
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", incident.ErrNormalization)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, value, n.loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", incident.ErrNormalization, text)
}

// ParsePriority extracts the first integer from text.
func ParsePriority(text string) (int, error) {
	match := priorityPattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("%w: no number in priority %q", incident.ErrNormalization, text)
	}
	value, err := strconv.Atoi(match)
	if err != nil {
		return 0, fmt.Errorf("%w: priority %q: %v", incident.ErrNormalization, text, err)
	}
	if value < incident.MinPriority || value > incident.MaxPriority {
		return 0, fmt.Errorf("%w: priority %d outside [%d,%d]",
			incident.ErrNormalization, value, incident.MinPriority, incident.MaxPriority)
	}
	return value, nil
}

// ParseUnits splits the unit list, dropping trailing status markers.
// Order and duplicates are preserved.
func ParseUnits(text string) []string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	units := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimRight(tok, "*+-#")
		if tok == "" {
			continue
		}
		units = append(units, tok)
	}
	return units
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
