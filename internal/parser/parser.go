// Package parser extracts raw incident rows from the feed's HTML table.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/incident"
)

// MinCells is the number of positional columns in a feed row.
const MinCells = 6

var timestampPattern = regexp.MustCompile(`(?i)^\d{1,2}/\d{1,2}/(\d{4}|\d{2})\s+\d{1,2}:\d{2}:\d{2}(\s*[AP]M)?`)

// Discard explains why a table row produced no record.
type Discard struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
	Text   string `json:"text,omitempty"`
}

// Parser reads the incident table with goquery.
type Parser struct {
	logger *zap.Logger
}

// New builds a Parser.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse returns the rows of the incident table. A page without a qualifying
// table yields an empty slice and no error.
func (p *Parser) Parse(markup []byte) ([]incident.RawRecord, error) {
	records, _, err := p.ParseDetailed(markup)
	return records, err
}

// ParseDetailed is Parse plus the discarded rows.
func (p *Parser) ParseDetailed(markup []byte) ([]incident.RawRecord, []Discard, error) {
	if len(bytes.TrimSpace(markup)) == 0 {
		return nil, nil, fmt.Errorf("%w: empty markup", incident.ErrParse)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read document: %v", incident.ErrParse, err)
	}

	table := findIncidentTable(doc)
	if table == nil {
		p.logger.Warn("no incident table found")
		return []incident.RawRecord{}, nil, nil
	}

	var (
		records  []incident.RawRecord
		discards []Discard
	)
	rowIndex := 0
	ownRows(table).Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() == 0 {
			return
		}
		rowIndex++
		rec, reason := rowRecord(cells)
		if reason != "" {
			d := Discard{Row: rowIndex, Reason: reason, Text: truncate(cellText(row), 200)}
			discards = append(discards, d)
			p.logger.Debug("discarding row", zap.Int("row", d.Row), zap.String("reason", d.Reason), zap.String("text", d.Text))
			return
		}
		records = append(records, rec)
	})

	if len(discards) > 0 {
		p.logger.Warn("discarded table rows", zap.Int("discarded", len(discards)), zap.Int("rows", rowIndex))
	}
	p.logger.Debug("parsed incident table", zap.Int("records", len(records)))
	if records == nil {
		records = []incident.RawRecord{}
	}
	return records, discards, nil
}

func findIncidentTable(doc *goquery.Document) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		ownRows(table).EachWithBreak(func(_ int, row *goquery.Selection) bool {
			cells := row.ChildrenFiltered("td")
			if cells.Length() >= MinCells && looksLikeTimestamp(cellText(cells.First())) {
				found = table
				return false
			}
			return true
		})
		return found == nil
	})
	return found
}

// ownRows skips rows that belong to tables nested inside table.
func ownRows(table *goquery.Selection) *goquery.Selection {
	return table.Find("tr").FilterFunction(func(_ int, row *goquery.Selection) bool {
		return row.Closest("table").IsSelection(table)
	})
}

func rowRecord(cells *goquery.Selection) (incident.RawRecord, string) {
	if n := cells.Length(); n < MinCells {
		return incident.RawRecord{}, fmt.Sprintf("row has %d cells, expected %d", n, MinCells)
	}
	text := make([]string, MinCells)
	for i := 0; i < MinCells; i++ {
		text[i] = cellText(cells.Eq(i))
	}
	if text[0] == "" || text[1] == "" {
		return incident.RawRecord{}, "missing timestamp or incident id"
	}
	if !looksLikeTimestamp(text[0]) {
		return incident.RawRecord{}, fmt.Sprintf("first cell %q is not a timestamp", text[0])
	}
	return incident.RawRecord{
		Timestamp: text[0],
		ID:        text[1],
		Priority:  text[2],
		Units:     text[3],
		Address:   text[4],
		Type:      text[5],
	}, ""
}

func looksLikeTimestamp(text string) bool {
	return timestampPattern.MatchString(text)
}

func cellText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

// truncate caps s at limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
