package detectors

import (
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordOpt func(*models.LogRecord)

func withEndpoint(ep string) recordOpt {
	return func(r *models.LogRecord) { r.Endpoint = models.StringPtr(ep) }
}

func withIP(ip string) recordOpt {
	return func(r *models.LogRecord) { r.IP = models.StringPtr(ip) }
}

func withMessage(msg string) recordOpt {
	return func(r *models.LogRecord) { r.Message = models.StringPtr(msg) }
}

func withResponseTime(v float64) recordOpt {
	return func(r *models.LogRecord) { r.ResponseTime = models.FloatPtr(v) }
}

func withStatus(code int) recordOpt {
	return func(r *models.LogRecord) { r.Status = models.IntPtr(code) }
}

func record(id int64, offset time.Duration, level string, opts ...recordOpt) models.LogRecord {
	r := models.LogRecord{ID: id, Timestamp: t0.Add(offset), Level: level}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}
