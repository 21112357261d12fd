package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/status"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	declareErr error
	publishErr error
	messages   []published
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, name+"/"+kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func TestNewWithChannel_DeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	_, err := NewWithChannel(ch, "photosync.events", zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, []string{"photosync.events/topic"}, ch.declared)
}

func TestNewWithChannel_DeclareFailure(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	_, err := NewWithChannel(ch, "photosync.events", zap.NewNop().Sugar())
	assert.ErrorContains(t, err, "access refused")
	assert.True(t, ch.closed)
}

func TestPublishStatus(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewWithChannel(ch, "photosync.events", zap.NewNop().Sugar())
	require.NoError(t, err)

	ev := status.Event{
		ID:        "0b6f6c1e-7a8e-4a55-9d2a-3c1a1f0e9b11",
		Message:   "Transferred image 1 of 3",
		Severity:  status.SeveritySuccess,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishStatus(context.Background(), ev))

	sent := ch.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "photosync.events", sent[0].exchange)
	assert.Equal(t, "status.success", sent[0].key)
	assert.Equal(t, "application/cloudevents+json", sent[0].msg.ContentType)
	assert.Equal(t, ev.ID, sent[0].msg.MessageId)

	var ce map[string]any
	require.NoError(t, json.Unmarshal(sent[0].msg.Body, &ce))
	assert.Equal(t, "1.0", ce["specversion"])
	assert.Equal(t, "photosync.status.success", ce["type"])
	assert.Equal(t, Source, ce["source"])
	assert.Equal(t, "2024-05-01T12:00:00Z", ce["time"])
	assert.Equal(t, map[string]any{"message": "Transferred image 1 of 3", "severity": "success"}, ce["data"])
}

func TestPublishStatus_Error(t *testing.T) {
	ch := &fakeChannel{publishErr: amqp.ErrClosed}
	p, err := NewWithChannel(ch, "photosync.events", zap.NewNop().Sugar())
	require.NoError(t, err)

	err = p.PublishStatus(context.Background(), status.Event{Severity: status.SeverityInfo})
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestRun_ForwardsStatusLog(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewWithChannel(ch, "photosync.events", zap.NewNop().Sugar())
	require.NoError(t, err)

	log := status.NewLog(status.DefaultCapacity, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, log) }()

	// Events appended before the subscription is registered are not
	// forwarded, so keep appending until one arrives.
	require.Eventually(t, func() bool {
		log.Infof("Starting service discovery...")
		return len(ch.sent()) > 0
	}, time.Second, 10*time.Millisecond)

	log.Errorf("Service discovery error: no usable network interface")
	require.Eventually(t, func() bool {
		for _, m := range ch.sent() {
			if m.key == "status.error" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
