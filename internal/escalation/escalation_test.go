package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/log"
	"github.com/kestrelhq/kestrel/internal/notify"
)

type stubStore struct {
	record     Record
	createErr  error
	history    []HistoryEntry
	historyErr error

	statusConv string
	statusSet  string
	statusErr  error
}

func (s *stubStore) CreateEscalation(_ context.Context, rec Record) (string, error) {
	s.record = rec
	if s.createErr != nil {
		return "", s.createErr
	}
	return "esc-1", nil
}

func (s *stubStore) RecentMessages(_ context.Context, _ string, _ int) ([]HistoryEntry, error) {
	return s.history, s.historyErr
}

func (s *stubStore) UpdateConversationStatus(_ context.Context, conversationID, status string) error {
	s.statusConv = conversationID
	s.statusSet = status
	return s.statusErr
}

type stubMailer struct {
	sent []notify.Email
	err  error
}

func (m *stubMailer) Send(_ context.Context, email notify.Email) error {
	m.sent = append(m.sent, email)
	return m.err
}

func TestEscalate(t *testing.T) {
	store := &stubStore{history: []HistoryEntry{
		{Role: "user", Content: "I want a refund <now>", CreatedAt: time.Now()},
		{Role: "assistant", Content: "Let me check", CreatedAt: time.Now()},
	}}
	mailer := &stubMailer{}
	svc := New(store, mailer, "Support <support@example.com>", "ops@example.com", log.NewNop())

	id, err := svc.Escalate(context.Background(), "conv-1", "refund request", "customer unhappy with order", 0.4)
	require.NoError(t, err)
	assert.Equal(t, "esc-1", id)

	assert.Equal(t, "pending", store.record.Status)
	assert.Equal(t, "ops@example.com", store.record.AssignedTo)
	assert.Equal(t, "conv-1", store.record.ConversationID)

	require.Len(t, mailer.sent, 1)
	email := mailer.sent[0]
	assert.Equal(t, []string{"ops@example.com"}, email.To)
	assert.Equal(t, "Escalation: refund request", email.Subject)
	assert.Contains(t, email.HTML, "customer unhappy with order")
	assert.Contains(t, email.HTML, "40%")
	// User content is HTML-escaped.
	assert.Contains(t, email.HTML, "I want a refund &lt;now&gt;")

	assert.Equal(t, "conv-1", store.statusConv)
	assert.Equal(t, StatusEscalated, store.statusSet)
}

func TestEscalateEmailFailureStillSucceeds(t *testing.T) {
	store := &stubStore{}
	mailer := &stubMailer{err: errors.New("smtp down")}
	svc := New(store, mailer, "from@example.com", "ops@example.com", log.NewNop())

	id, err := svc.Escalate(context.Background(), "conv-1", "reason", "summary", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "esc-1", id)
	assert.Equal(t, StatusEscalated, store.statusSet)
}

func TestEscalateRecordFailure(t *testing.T) {
	store := &stubStore{createErr: errors.New("insert failed")}
	mailer := &stubMailer{}
	svc := New(store, mailer, "from@example.com", "ops@example.com", log.NewNop())

	_, err := svc.Escalate(context.Background(), "conv-1", "reason", "summary", 0.2)
	require.Error(t, err)
	assert.Empty(t, mailer.sent, "no email without a record")
	assert.Empty(t, store.statusSet)
}
