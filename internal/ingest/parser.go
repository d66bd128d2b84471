// Package ingest turns raw access-log text into LogRecords.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/utils"
)

// MaxLineBytes caps a single input line.
const MaxLineBytes = 1 << 20

var (
	fullLine = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z)\s+([A-Z]+)\s+(\S+)\s+(\d{3})\s+([0-9.]+)\s+(\S+)\s+-\s+(.*)`)
	shortLine = regexp.MustCompile(
		`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z)\s+([A-Z]+)\s+(\S+)\s+(\d{3})\s+([0-9.]+)$`)
)

// Stats counts how each line of an input was handled.
type Stats struct {
	Full     int `json:"full"`
	Short    int `json:"short"`
	Fallback int `json:"fallback"`
	Skipped  int `json:"skipped"`
}

// Parsed returns the number of records produced.
func (s Stats) Parsed() int {
	return s.Full + s.Short + s.Fallback
}

// Parser recognises the full and short access-log layouts and degrades to a
// best-effort record for anything else.
type Parser struct {
	now func() time.Time
}

// NewParser returns a parser stamping fallback records with the wall clock.
func NewParser() *Parser {
	return &Parser{now: func() time.Time { return time.Now().UTC() }}
}

// ParseLine parses one line. ok is false for blank and comment lines.
func (p *Parser) ParseLine(line string) (rec models.LogRecord, ok bool) {
	rec, kind := p.parseLine(line)
	return rec, kind != lineSkipped
}

type lineKind int

const (
	lineSkipped lineKind = iota
	lineFull
	lineShort
	lineFallback
)

func (p *Parser) parseLine(line string) (models.LogRecord, lineKind) {
	text := strings.TrimSpace(line)
	if text == "" {
		return models.LogRecord{}, lineSkipped
	}

	if m := fullLine.FindStringSubmatch(text); m != nil {
		if rec, err := structured(m[1], m[2], m[3], m[4], m[5]); err == nil {
			rec.IP = models.StringPtr(m[6])
			rec.Message = &m[7]
			return rec, lineFull
		}
	}
	if m := shortLine.FindStringSubmatch(text); m != nil {
		if rec, err := structured(m[1], m[2], m[3], m[4], m[5]); err == nil {
			return rec, lineShort
		}
	}
	if strings.HasPrefix(text, "#") {
		return models.LogRecord{}, lineSkipped
	}

	parts := strings.SplitN(text, " ", 4)
	level := models.LevelInfo
	if len(parts) > 1 {
		level = parts[1]
	}
	msg := parts[len(parts)-1]
	return models.LogRecord{
		Timestamp: p.now(),
		Level:     level,
		Message:   &msg,
	}, lineFallback
}

func structured(ts, level, endpoint, status, responseTime string) (models.LogRecord, error) {
	at, err := utils.ParseTimestamp(ts)
	if err != nil {
		return models.LogRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return models.LogRecord{}, fmt.Errorf("status: %w", err)
	}
	rt, err := strconv.ParseFloat(responseTime, 64)
	if err != nil {
		return models.LogRecord{}, fmt.Errorf("response time: %w", err)
	}
	return models.LogRecord{
		Timestamp:    at.UTC(),
		Level:        level,
		Endpoint:     models.StringPtr(endpoint),
		Status:       models.IntPtr(code),
		ResponseTime: models.FloatPtr(rt),
	}, nil
}

// Parse reads r line by line. It fails only on read errors or a line longer than MaxLineBytes.
func (p *Parser) Parse(r io.Reader) ([]models.LogRecord, Stats, error) {
	var (
		records []models.LogRecord
		stats   Stats
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		rec, kind := p.parseLine(scanner.Text())
		switch kind {
		case lineSkipped:
			stats.Skipped++
			continue
		case lineFull:
			stats.Full++
		case lineShort:
			stats.Short++
		case lineFallback:
			stats.Fallback++
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scan log input: %w", err)
	}
	return records, stats, nil
}

// ParseText parses a whole document with a fresh Parser.
func ParseText(text string) ([]models.LogRecord, error) {
	records, _, err := NewParser().Parse(strings.NewReader(text))
	return records, err
}
