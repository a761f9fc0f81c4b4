package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/openai/openai-go"
)

// FallbackUtterance is spoken whenever generation fails or yields unusable text.
const FallbackUtterance = "I'm sorry, could you repeat that?"

// LowConfidenceThreshold is the STT confidence below which the agent's message is
// flagged as possibly misheard.
const LowConfidenceThreshold = 0.7

const (
	minReplyLength   = 8
	lowConfidenceTag = "(Note: Agent's speech may have been unclear - respond appropriately)"
)

// DefaultGenerationTimeout bounds the single completion call made per turn.
const DefaultGenerationTimeout = 15 * time.Second

// Generator is the completion API used to produce patient replies.
type Generator interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// ReplySource tags where a reply came from.
type ReplySource string

const (
	ReplyLiteral   ReplySource = "literal"
	ReplyGenerated ReplySource = "generated"
	ReplyFallback  ReplySource = "fallback"
)

// Reply is the composer's result. Text is always speakable. Err carries the cause of
// a fallback and is informational only.
type Reply struct {
	Text    string
	Source  ReplySource
	Err     error
	Elapsed time.Duration
}

// ComposeRequest is the context for one reply.
type ComposeRequest struct {
	Scenario   *models.ScenarioDefinition
	Rule       models.ResponseRule
	Exclusions []models.FactCategory
	History    []Utterance // prior turns, oldest first, not including Utterance
	Utterance  string
	Confidence float64
}

var errDegenerateReply = errors.New("degenerate reply")

// ReplyComposer turns a response rule into a patient utterance.
type ReplyComposer struct {
	gen     Generator
	timeout time.Duration
}

// NewReplyComposer creates a composer. A non-positive timeout uses DefaultGenerationTimeout.
func NewReplyComposer(gen Generator, timeout time.Duration) *ReplyComposer {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &ReplyComposer{gen: gen, timeout: timeout}
}

// Compose returns the reply for req. Literal rules are returned verbatim; instruction
// rules make exactly one completion call.
func (c *ReplyComposer) Compose(ctx context.Context, req ComposeRequest) Reply {
	if req.Rule.IsLiteral() {
		return Reply{Text: req.Rule.Literal, Source: ReplyLiteral}
	}

	start := time.Now()
	messages := BuildMessages(req)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.gen.GenerateWithMessages(callCtx, messages)
	elapsed := time.Since(start)
	if err != nil {
		slog.Warn("ReplyComposer.Compose: generation failed, using fallback", "error", err, "elapsed", elapsed)
		return Reply{Text: FallbackUtterance, Source: ReplyFallback, Err: err, Elapsed: elapsed}
	}

	text, ok := Sanitize(raw)
	if !ok {
		slog.Warn("ReplyComposer.Compose: unusable reply, using fallback", "raw", raw)
		return Reply{Text: text, Source: ReplyFallback, Err: fmt.Errorf("%w: %q", errDegenerateReply, raw), Elapsed: elapsed}
	}
	return Reply{Text: text, Source: ReplyGenerated, Elapsed: elapsed}
}

// Sanitize applies the post-processing pipeline to raw model output. It returns the
// fallback utterance and false when the output is unusable.
func Sanitize(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if len(text) < minReplyLength {
		return FallbackUtterance, false
	}
	lower := strings.ToLower(text)
	for _, prefix := range incompletePrefixes {
		if strings.HasPrefix(lower, prefix) && strings.Trim(lower[len(prefix):], " .,!?;:-") == "" {
			return FallbackUtterance, false
		}
	}
	return text, true
}

// BuildMessages assembles the chat payload: system prompt, replayed history, then the
// latest agent utterance. Agent turns go in as user messages, patient turns as
// assistant messages.
func BuildMessages(req ComposeRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	messages = append(messages, openai.SystemMessage(BuildSystemPrompt(req.Scenario, req.Rule, req.Exclusions)))

	for _, u := range req.History {
		if u.Role == models.SpeakerPatient {
			messages = append(messages, openai.AssistantMessage(u.Text))
		} else {
			messages = append(messages, openai.UserMessage("Agent: "+u.Text))
		}
	}

	latest := "Agent: " + req.Utterance
	if req.Confidence < LowConfidenceThreshold {
		slog.Warn("ReplyComposer.BuildMessages: low STT confidence", "confidence", req.Confidence)
		latest += "\n\n" + lowConfidenceTag
	}
	messages = append(messages, openai.UserMessage(latest))
	return messages
}
