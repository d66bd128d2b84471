// Package notify fans persisted findings out to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/loglens/internal/models"
)

// DefaultSubject carries finding batches when none is configured.
const DefaultSubject = "loglens.findings"

// Publisher announces a batch of findings that has already been persisted.
type Publisher interface {
	PublishFindings(ctx context.Context, runID string, findings []models.Finding) error
	Close() error
}

// Noop discards every batch.
type Noop struct{}

// PublishFindings implements Publisher.
func (Noop) PublishFindings(context.Context, string, []models.Finding) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// Envelope is the message body of one published batch.
type Envelope struct {
	RunID       string           `json:"run_id"`
	PublishedAt time.Time        `json:"published_at"`
	Findings    []models.Finding `json:"findings"`
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes one JSON envelope per batch on a fixed subject.
type NATSPublisher struct {
	conn    conn
	subject string
	logger  *slog.Logger
	now     func() time.Time
}

// NewNATSPublisher connects to url. An empty subject means DefaultSubject.
func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("loglens-engine"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSPublisher(nc, subject, logger), nil
}

func newNATSPublisher(c conn, subject string, logger *slog.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		conn:    c,
		subject: subject,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Subject returns the subject batches are published on.
func (p *NATSPublisher) Subject() string {
	return p.subject
}

// PublishFindings implements Publisher. Empty batches are not published.
func (p *NATSPublisher) PublishFindings(ctx context.Context, runID string, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{RunID: runID, PublishedAt: p.now(), Findings: findings})
	if err != nil {
		return fmt.Errorf("marshal findings envelope: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	p.logger.Debug("findings published",
		slog.String("subject", p.subject),
		slog.String("run_id", runID),
		slog.Int("findings", len(findings)),
	)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
