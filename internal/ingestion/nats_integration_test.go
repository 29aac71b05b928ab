package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"StabilityPool/internal/event"
	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ingestion.EnsureStreams(ctx, js, zerolog.Nop()))
	require.NoError(t, ingestion.EnsureOutboundStream(ctx, js, zerolog.Nop()))
	return js
}

func TestStreamConfigs_CoverInboundSubjects(t *testing.T) {
	streams := map[string]bool{}
	for _, cfg := range ingestion.StreamConfigs() {
		streams[cfg.Name] = true
		assert.Equal(t, jetstream.FileStorage, cfg.Storage)
	}
	for _, sub := range ingestion.DefaultSubjects() {
		assert.True(t, streams[sub.StreamName], "%s has no stream", sub.Subject)
	}
}

func TestNATS_SubscribeParseAck(t *testing.T) {
	js := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id := uuid.NewString()
	subject := "sp.prices.it-" + id
	rawCh := make(chan ingestion.RawEvent, 1)
	sub := ingestion.NewNATSSubscriber(js, rawCh, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      subject,
		EventType:    "PriceUpdate",
		ConsumerName: "it-" + id,
		StreamName:   ingestion.StreamPrices,
	}}))
	defer sub.Stop()

	_, err := js.Publish(ctx, subject, []byte(`{"price":"1500000000000000000000","price_sequence":3}`))
	require.NoError(t, err)

	select {
	case raw := <-rawCh:
		assert.Equal(t, subject, raw.Subject)
		evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
		require.NoError(t, err)
		assert.Equal(t, "price:3", evt.IdempotencyKey())
		raw.AckFunc()
	case <-ctx.Done():
		t.Fatal("no message delivered")
	}
}

func TestNATS_OutboundPublisher(t *testing.T) {
	js := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	in := make(chan ingestion.PublishableEvent, 1)
	pub := ingestion.NewOutboundPublisher(js, in, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	key := uuid.NewString()
	in <- ingestion.PublishableEvent{
		Sequence:       42,
		EventType:      event.EventTypeProvideToSP.String(),
		IdempotencyKey: key,
		Partition:      "account:it",
		Timestamp:      time.Now().UTC(),
	}
	close(in)
	require.NoError(t, <-done)

	cons, err := js.OrderedConsumer(ctx, ingestion.StreamOutbound, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("sp.events.%s", event.EventTypeProvideToSP)},
		DeliverPolicy:  jetstream.DeliverLastPolicy,
	})
	require.NoError(t, err)

	msg, err := cons.Next(jetstream.FetchMaxWait(5 * time.Second))
	require.NoError(t, err)

	var got ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(msg.Data(), &got))
	assert.Equal(t, key, got.IdempotencyKey)
	assert.Equal(t, int64(42), got.Sequence)
}
