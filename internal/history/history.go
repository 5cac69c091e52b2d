// Package history keeps a conversation transcript within a token budget.
//
// The manager supports three compaction strategies:
//   - none: the transcript is never compacted
//   - hard: oldest non-system messages are trimmed once the budget is exceeded
//   - summary: older messages are condensed into a single summary message by
//     a lightweight model call, keeping the most recent message verbatim
//
// Compact never mutates the caller's transcript. It returns nil when the
// transcript should be used unchanged, or an Update with Replace set, meaning
// the prior transcript is discarded wholesale and the Update's messages are
// spliced in instead. Compaction failures are converted into a replacement
// containing a single error-bearing assistant message; they never propagate.
package history

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/conversation"
	"github.com/kestrelhq/kestrel/internal/log"
)

// summaryTailLength is the number of most recent messages kept verbatim
// alongside the summary.
const summaryTailLength = 1

// Counter estimates the token count of a text. Pluggable so an exact
// tokenizer can replace the heuristic without touching the compaction
// state machine.
type Counter func(text string) int

// EstimateTokens provides a rough token count.
// Uses rune count divided by 2 as a conservative estimate that works
// for both English (~4 chars/token) and CJK (~1.5 chars/token) text.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// Summarizer condenses a linearized conversation into a short text.
// Satisfied by llm.Client.
type Summarizer interface {
	Complete(ctx context.Context, model, prompt string, maxTokens int) (string, error)
}

// Update is a whole-transcript replacement instruction.
type Update struct {
	// Replace is always true on a non-nil Update: discard the prior
	// transcript and use Messages instead.
	Replace  bool
	Messages []conversation.Message
}

// Config holds the compaction policy.
type Config struct {
	// Strategy is one of config.HistoryNone, HistoryHard, HistorySummary.
	Strategy string

	// MaxTokens is the transcript budget. The summary strategy triggers
	// at 80% of it.
	MaxTokens int

	// SummaryModel and SummaryMaxTokens configure the summarization call.
	SummaryModel     string
	SummaryMaxTokens int

	// Count overrides the token counter. Defaults to EstimateTokens.
	Count Counter
}

// Manager applies one compaction strategy to transcripts.
type Manager struct {
	strategy         string
	maxTokens        int
	summaryThreshold int
	summaryModel     string
	summaryMaxTokens int
	count            Counter
	summarizer       Summarizer
	logger           log.Logger
}

// NewManager creates a history manager. The summarizer may be nil when the
// strategy is not summary.
func NewManager(cfg Config, summarizer Summarizer, logger log.Logger) *Manager {
	count := cfg.Count
	if count == nil {
		count = EstimateTokens
	}
	return &Manager{
		strategy:         cfg.Strategy,
		maxTokens:        cfg.MaxTokens,
		summaryThreshold: cfg.MaxTokens * 8 / 10,
		summaryModel:     cfg.SummaryModel,
		summaryMaxTokens: cfg.SummaryMaxTokens,
		count:            count,
		summarizer:       summarizer,
		logger:           logger,
	}
}

// Compact applies the configured strategy to the transcript.
// A nil return means "use the original transcript unchanged".
func (m *Manager) Compact(ctx context.Context, msgs []conversation.Message) (update *Update) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("history compaction panicked", "panic", r)
			update = errorUpdate(fmt.Errorf("%v", r))
		}
	}()

	system, rest := splitSystem(msgs)

	switch m.strategy {
	case config.HistoryHard:
		return m.compactHard(system, rest)
	case config.HistorySummary:
		return m.compactSummary(ctx, system, rest)
	default:
		return nil
	}
}

func (m *Manager) compactHard(system, rest []conversation.Message) *Update {
	total := m.countAll(rest)
	if total <= m.maxTokens {
		return nil
	}

	trimmed := m.trimToFit(rest, m.maxTokens)
	m.logger.Debug("hard-trimmed history",
		"tokens", total,
		"budget", m.maxTokens,
		"kept", len(trimmed),
		"dropped", len(rest)-len(trimmed),
	)

	replacement := make([]conversation.Message, 0, len(system)+len(trimmed))
	replacement = append(replacement, system...)
	replacement = append(replacement, trimmed...)
	return &Update{Replace: true, Messages: replacement}
}

func (m *Manager) compactSummary(ctx context.Context, system, rest []conversation.Message) *Update {
	total := m.countAll(rest)
	if total <= m.summaryThreshold {
		return nil
	}

	tail := rest[len(rest)-summaryTailLength:]

	// The summarization window obeys the same trim boundaries as hard
	// mode before being linearized into the prompt.
	window := m.trimToFit(rest, m.summaryThreshold)
	var older []conversation.Message
	if len(window) > summaryTailLength {
		older = window[:len(window)-summaryTailLength]
	}

	summary, err := m.summarizer.Complete(ctx, m.summaryModel, summaryPrompt(older), m.summaryMaxTokens)
	if err != nil {
		m.logger.Error("history summarization failed", "error", err)
		return errorUpdate(err)
	}

	summaryMsg := conversation.System(
		"[PREVIOUS CONVERSATION SUMMARY]\n" + summary + "\n[END SUMMARY]")

	m.logger.Debug("summarized history",
		"tokens", total,
		"threshold", m.summaryThreshold,
		"summarized", len(older),
	)

	replacement := make([]conversation.Message, 0, len(system)+1+len(tail))
	replacement = append(replacement, system...)
	replacement = append(replacement, summaryMsg)
	replacement = append(replacement, tail...)
	return &Update{Replace: true, Messages: replacement}
}

func summaryPrompt(msgs []conversation.Message) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation in the language of the conversation, " +
		"concisely but without losing key facts, decisions, TODOs.\n\n")
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func errorUpdate(err error) *Update {
	return &Update{
		Replace: true,
		Messages: []conversation.Message{
			conversation.Assistant(fmt.Sprintf("Error in history management: %v", err)),
		},
	}
}

// splitSystem separates system messages from the rest, preserving order.
func splitSystem(msgs []conversation.Message) (system, rest []conversation.Message) {
	for _, msg := range msgs {
		if msg.Role == conversation.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	return system, rest
}

func (m *Manager) countMessage(msg conversation.Message) int {
	total := m.count(msg.Content)
	for _, call := range msg.ToolCalls {
		total += m.count(call.Name)
	}
	return total
}

func (m *Manager) countAll(msgs []conversation.Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.countMessage(msg)
	}
	return total
}

// trimToFit keeps the newest messages that fit the budget, then enforces
// the trim boundary: the result starts on a user message and ends on a
// user or tool message, so no assistant tool call is left dangling.
func (m *Manager) trimToFit(msgs []conversation.Message, budget int) []conversation.Message {
	// Walk newest to oldest until the budget is exhausted.
	start := len(msgs)
	remaining := budget
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := m.countMessage(msgs[i])
		if remaining < cost {
			break
		}
		remaining -= cost
		start = i
	}
	kept := msgs[start:]

	// Start on a user message.
	for len(kept) > 0 && kept[0].Role != conversation.RoleUser {
		kept = kept[1:]
	}

	// End on a user or tool message.
	for len(kept) > 0 {
		last := kept[len(kept)-1].Role
		if last == conversation.RoleUser || last == conversation.RoleTool {
			break
		}
		kept = kept[:len(kept)-1]
	}

	return kept
}
