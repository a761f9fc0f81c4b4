// Package events publishes call lifecycle events so other systems can react to
// finished test calls.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the harness.
const (
	SubjectCallStarted        = "promptcall.call.started"
	SubjectCallCompleted      = "promptcall.call.completed"
	SubjectTranscriptEnriched = "promptcall.transcript.enriched"
)

// CallEvent is the payload for every lifecycle subject.
type CallEvent struct {
	CallSID         string    `json:"call_sid"`
	RunID           string    `json:"run_id,omitempty"`
	Scenario        string    `json:"scenario,omitempty"`
	TurnCount       int       `json:"turn_count"`
	GoalMet         bool      `json:"goal_met"`
	Ended           bool      `json:"ended"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	At              time.Time `json:"at"`
}

// Publisher sends lifecycle events.
type Publisher interface {
	Publish(subject string, event CallEvent) error
	Close()
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, CallEvent) error { return nil }

// Close implements Publisher.
func (Nop) Close() {}

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to url. The connection retries in the background, so a
// broker that is down at start-up does not prevent serving calls.
func NewNATSPublisher(url, token string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("promptcall"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATSPublisher: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATSPublisher: reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("NATSPublisher: connected", "url", url)
	return &NATSPublisher{conn: nc}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(subject string, event CallEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		slog.Warn("NATSPublisher.Close: drain failed", "error", err)
		p.conn.Close()
	}
}

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	mu       sync.Mutex
	Events   []CallEvent
	Subjects []string
}

// Publish implements Publisher.
func (r *Recorder) Publish(subject string, event CallEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Subjects = append(r.Subjects, subject)
	r.Events = append(r.Events, event)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() {}

// Published returns a copy of the recorded subjects.
func (r *Recorder) Published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Subjects...)
}
