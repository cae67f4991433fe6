package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []message
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, message{subject: subject, data: data})
	return nil
}

func TestPublisher_PublishesJSONOnTypedSubject(t *testing.T) {
	c := &fakeConn{}
	p := NewPublisher(c, "mixflow.test", nil)
	runID := uuid.New()

	err := p.Publish(context.Background(), domain.RunEvent{
		Type:     domain.RunEventStalled,
		RunID:    runID,
		Strategy: domain.StrategyLeafway,
		Status:   domain.RunStatusPartiallyDelivered,
	})
	require.NoError(t, err)

	require.Len(t, c.messages, 1)
	assert.Equal(t, "mixflow.test.run.stalled", c.messages[0].subject)

	var decoded domain.RunEvent
	require.NoError(t, json.Unmarshal(c.messages[0].data, &decoded))
	assert.Equal(t, runID, decoded.RunID)
	assert.Equal(t, domain.RunStatusPartiallyDelivered, decoded.Status)
}

func TestPublisher_DefaultPrefix(t *testing.T) {
	p := NewPublisher(&fakeConn{}, "", nil)
	assert.Equal(t, "mixflow.run.started", p.Subject(domain.RunEventStarted))
}

func TestPublisher_Errors(t *testing.T) {
	c := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewPublisher(c, "", nil)

	err := p.Publish(context.Background(), domain.RunEvent{Type: domain.RunEventStarted})
	assert.ErrorContains(t, err, "mixflow.run.started")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewPublisher(&fakeConn{}, "", nil).Publish(ctx, domain.RunEvent{Type: domain.RunEventStarted})
	assert.ErrorIs(t, err, context.Canceled)

	// Close without a connection of its own is a no-op
	p.Close()
}
