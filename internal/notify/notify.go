package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectLedgerRow    = "ledger.row"
	SubjectDealSettled  = "deal.settled"
	SubjectDealFailed   = "deal.failed"
	defaultSubjectRoot  = "arcsettle"
	defaultConnectWait  = 5 * time.Second
	defaultReconnectGap = 2 * time.Second
)

// Publisher fans out domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }
func (Nop) Close() {}

// Config configures the NATS publisher.
type Config struct {
	URL         string
	Name        string
	SubjectRoot string
}

// NATSPublisher publishes JSON events to NATS subjects under a common root.
type NATSPublisher struct {
	conn   *nats.Conn
	root   string
	logger *zap.Logger
}

// NewNATS connects to the NATS server at cfg.URL.
func NewNATS(cfg Config, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root := cfg.SubjectRoot
	if root == "" {
		root = defaultSubjectRoot
	}
	name := cfg.Name
	if name == "" {
		name = "arcsettle"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(defaultConnectWait),
		nats.ReconnectWait(defaultReconnectGap),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, root: root, logger: logger}, nil
}

// Publish marshals payload and publishes it to root.subject.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.root+"."+subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
		p.conn.Close()
	}
}

// Event is one message captured by Memory.
type Event struct {
	Subject string
	Payload json.RawMessage
}

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	m.mu.Lock()
	m.events = append(m.events, Event{Subject: subject, Payload: data})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() {}

// Events returns the captured events with the given subject.
func (m *Memory) Events(subject string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, event := range m.events {
		if event.Subject == subject {
			out = append(out, event)
		}
	}
	return out
}
