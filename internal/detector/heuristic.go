// Package detector decides whether a fetched body looks like the feed page.
package detector

import (
	"bytes"
	"fmt"
)

// Heuristic is a marker-based plausibility check.
type Heuristic struct {
	MinBodyBytes int
	Markers      [][]byte
}

var defaultMarkers = [][]byte{
	[]byte("<html"),
	[]byte("<!doctype html"),
	[]byte("<table"),
}

// NewHeuristic creates a detector with the default markers.
func NewHeuristic(minBodyBytes int) *Heuristic {
	return &Heuristic{MinBodyBytes: minBodyBytes, Markers: defaultMarkers}
}

// Check returns nil when body is non-empty and contains a markup marker.
func (h *Heuristic) Check(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty response body")
	}
	if len(trimmed) < h.MinBodyBytes {
		return fmt.Errorf("response body too short: %d bytes", len(trimmed))
	}
	lower := bytes.ToLower(trimmed)
	for _, marker := range h.Markers {
		if bytes.Contains(lower, marker) {
			return nil
		}
	}
	return fmt.Errorf("response body has no html or table markers")
}
