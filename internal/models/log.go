package models

import (
	"strings"
	"time"
)

// Log levels the detectors treat specially. Anything else is passed through as free text.
const (
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// LogRecord is a single structured log line. Records are immutable once stored.
type LogRecord struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Message      *string   `json:"message"`
	Endpoint     *string   `json:"endpoint"`
	Status       *int      `json:"status"`
	ResponseTime *float64  `json:"response_time"`
	IP           *string   `json:"ip"`
}

// IsError reports whether the record carries an ERROR or CRITICAL level.
func (r LogRecord) IsError() bool {
	lvl := strings.ToUpper(r.Level)
	return lvl == LevelError || lvl == LevelCritical
}

// IsCritical reports whether the level is CRITICAL.
func (r LogRecord) IsCritical() bool {
	return strings.EqualFold(r.Level, LevelCritical)
}

// EndpointValue returns the endpoint or "" when absent.
func (r LogRecord) EndpointValue() string {
	if r.Endpoint == nil {
		return ""
	}
	return *r.Endpoint
}

// MessageValue returns the message or "" when absent.
func (r LogRecord) MessageValue() string {
	if r.Message == nil {
		return ""
	}
	return *r.Message
}

// IPValue returns the source identifier or "" when absent.
func (r LogRecord) IPValue() string {
	if r.IP == nil {
		return ""
	}
	return *r.IP
}

// StringPtr returns a pointer to s, or nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FloatPtr returns a pointer to v.
func FloatPtr(v float64) *float64 {
	return &v
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
