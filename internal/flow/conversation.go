package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/PromptCall/internal/events"
	"github.com/BTreeMap/PromptCall/internal/metrics"
	"github.com/BTreeMap/PromptCall/internal/models"
)

// TranscriptSink persists transcript documents keyed by call SID.
type TranscriptSink interface {
	Save(t models.Transcript) error
	Load(callSID string) (*models.Transcript, error)
}

// Event is one agent utterance delivered by the webhook layer.
type Event struct {
	CallSID    string
	Utterance  string
	Confidence float64
}

// Result is what the webhook layer renders. Text is empty for END_SILENT.
type Result struct {
	Text    string
	Outcome Outcome
	Ended   bool
	Source  ReplySource
}

// Opts holds optional collaborators for a Conversation.
type Opts struct {
	Sink      TranscriptSink
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	MaxTurns  int // agent turns before the patient hangs up; negative disables
}

// Option configures a Conversation.
type Option func(*Opts)

// WithTranscriptSink sets where transcripts are flushed after every turn.
func WithTranscriptSink(sink TranscriptSink) Option {
	return func(o *Opts) { o.Sink = sink }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithMaxTurns sets the agent turn limit. The default is DefaultMaxTurns; n < 0
// removes the limit.
func WithMaxTurns(n int) Option {
	return func(o *Opts) { o.MaxTurns = n }
}

// Conversation runs the turn-taking loop for every live call.
type Conversation struct {
	registry  *Registry
	composer  *ReplyComposer
	sink      TranscriptSink
	publisher events.Publisher
	metrics   *metrics.Metrics
	maxTurns  int
	now       func() time.Time
}

// NewConversation wires the registry and composer with optional collaborators.
func NewConversation(registry *Registry, composer *ReplyComposer, opts ...Option) *Conversation {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Publisher == nil {
		o.Publisher = events.Nop{}
	}
	if o.MaxTurns == 0 {
		o.MaxTurns = DefaultMaxTurns
	}
	return &Conversation{
		registry:  registry,
		composer:  composer,
		sink:      o.Sink,
		publisher: o.Publisher,
		metrics:   o.Metrics,
		maxTurns:  o.MaxTurns,
		now:       time.Now,
	}
}

// Registry returns the session registry.
func (c *Conversation) Registry() *Registry {
	return c.registry
}

// Start creates the session for a new call and writes the initial transcript. Calling
// it again for a live call is harmless.
func (c *Conversation) Start(ctx context.Context, callSID, scenarioName string) error {
	sess, created, err := c.registry.GetOrCreate(callSID, scenarioName)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	sess.mu.Lock()
	doc := sess.State.Transcript(sess.Scenario, models.TranscriptStatusInProgress)
	sess.mu.Unlock()

	c.persist(doc)
	c.metrics.SetActiveSessions(c.registry.Len())
	c.publish(events.SubjectCallStarted, doc)
	slog.Info("Conversation.Start: call started", "callSID", callSID, "scenario", doc.ScenarioName, "runID", doc.RunID)
	return nil
}

// HandleUtterance decides and records the patient's reply to one agent utterance.
// It returns ErrUnknownCall when the call has no live session.
func (c *Conversation) HandleUtterance(ctx context.Context, ev Event) (Result, error) {
	sess, err := c.registry.Get(ev.CallSID)
	if err != nil {
		return Result{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	st := sess.State

	if st.Ended {
		slog.Debug("Conversation.HandleUtterance: event after call ended", "callSID", ev.CallSID)
		return Result{Outcome: OutcomeEndSilent, Ended: true}, nil
	}

	prior := st.snapshot()
	confidence := ev.Confidence
	if confidence < LowConfidenceThreshold {
		slog.Warn("Conversation.HandleUtterance: low STT confidence", "callSID", ev.CallSID, "confidence", confidence)
	}
	st.TurnCount++
	st.append(models.SpeakerAgent, ev.Utterance, c.now(), &confidence)

	if !st.GoalMet && sess.Scenario.Goal.Met(st.HistoryText()) {
		st.GoalMet = true
		slog.Info("Conversation.HandleUtterance: goal met", "callSID", ev.CallSID, "turn", st.TurnCount)
	}

	d := Decide(PolicyInput{
		Scenario:  sess.Scenario,
		Utterance: ev.Utterance,
		Disclosed: st.Disclosed,
		GoalMet:   st.GoalMet,
		TurnCount: st.TurnCount,
		MaxTurns:  c.maxTurns,
	})
	c.metrics.ObserveTurn(string(d.Outcome))
	slog.Debug("Conversation.HandleUtterance: decided", "callSID", ev.CallSID, "outcome", d.Outcome, "stage", d.Stage, "exclusions", d.Exclusions)

	res := Result{Outcome: d.Outcome}
	switch d.Outcome {
	case OutcomeEndSilent:
		st.Ended = true
		res.Ended = true
		c.persist(st.Transcript(sess.Scenario, models.TranscriptStatusInProgress))
		slog.Info("Conversation.HandleUtterance: closing detected", "callSID", ev.CallSID, "turn", st.TurnCount)
		return res, nil
	case OutcomeDirectAnswer:
		res.Text, res.Source = d.Reply, ReplyLiteral
	case OutcomeEndPolite:
		res.Text, res.Source = d.Reply, ReplyLiteral
		st.Ended = true
		res.Ended = true
		if d.Reply == TurnLimitClose {
			slog.Warn("Conversation.HandleUtterance: turn limit reached", "callSID", ev.CallSID, "turn", st.TurnCount, "limit", c.maxTurns)
		}
	default:
		// Session lock stays held across the completion call; a retried delivery
		// for the same call waits here.
		reply := c.composer.Compose(ctx, ComposeRequest{
			Scenario:   sess.Scenario,
			Rule:       d.Rule,
			Exclusions: d.Exclusions,
			History:    prior,
			Utterance:  ev.Utterance,
			Confidence: ev.Confidence,
		})
		c.metrics.ObserveReply(string(reply.Source), reply.Elapsed)
		res.Text, res.Source = reply.Text, reply.Source
	}

	st.append(models.SpeakerPatient, res.Text, c.now(), nil)
	st.markDisclosed(sess.Scenario.Persona, d, res.Text)
	c.persist(st.Transcript(sess.Scenario, models.TranscriptStatusInProgress))

	slog.Info("Conversation.HandleUtterance: replied", "callSID", ev.CallSID, "turn", st.TurnCount, "outcome", d.Outcome, "source", res.Source, "ended", res.Ended)
	return res, nil
}

// Complete writes the final transcript and evicts the session. It is idempotent:
// completing a call that is no longer live does nothing.
func (c *Conversation) Complete(ctx context.Context, callSID string, durationSeconds int) {
	sess, err := c.registry.Get(callSID)
	if err != nil {
		slog.Debug("Conversation.Complete: no live session", "callSID", callSID)
		return
	}

	sess.mu.Lock()
	doc := sess.State.Transcript(sess.Scenario, models.TranscriptStatusCompleted)
	sess.mu.Unlock()

	completedAt := c.now()
	doc.CompletedAt = &completedAt
	doc.DurationSeconds = durationSeconds
	c.preserveEnrichment(&doc)
	c.persist(doc)

	if !c.registry.Complete(callSID) {
		return
	}
	c.metrics.SetActiveSessions(c.registry.Len())
	c.publish(events.SubjectCallCompleted, doc)
	slog.Info("Conversation.Complete: call completed", "callSID", callSID, "turns", doc.TurnCount, "goalMet", doc.GoalMet, "duration", durationSeconds)
}

// preserveEnrichment keeps a Whisper transcription that arrived before the final
// status callback.
func (c *Conversation) preserveEnrichment(doc *models.Transcript) {
	if c.sink == nil {
		return
	}
	existing, err := c.sink.Load(doc.CallSID)
	if err != nil {
		slog.Warn("Conversation.preserveEnrichment: load failed", "callSID", doc.CallSID, "error", err)
		return
	}
	if existing != nil && existing.Whisper != nil {
		doc.Whisper = existing.Whisper
	}
}

func (c *Conversation) persist(doc models.Transcript) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Save(doc); err != nil {
		c.metrics.PersistenceFailed()
		slog.Warn("Conversation.persist: transcript write failed", "callSID", doc.CallSID, "error", err)
	}
}

func (c *Conversation) publish(subject string, doc models.Transcript) {
	ev := events.CallEvent{
		CallSID:         doc.CallSID,
		RunID:           doc.RunID,
		Scenario:        doc.ScenarioName,
		TurnCount:       doc.TurnCount,
		GoalMet:         doc.GoalMet,
		Ended:           doc.Ended,
		DurationSeconds: doc.DurationSeconds,
		At:              c.now(),
	}
	if err := c.publisher.Publish(subject, ev); err != nil {
		slog.Warn("Conversation.publish: event not sent", "subject", subject, "callSID", doc.CallSID, "error", err)
	}
}
