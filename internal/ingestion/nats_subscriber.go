package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the deterministic core via the eventChan. JetStream is the main
// ingestion surface; each subject carries one command type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	StreamCommands     = "SP_COMMANDS"
	StreamLiquidations = "SP_LIQUIDATIONS"
	StreamPrices       = "SP_PRICES"
	StreamOutbound     = "SP_POOL_EVENTS"
)

// DefaultSubjects returns the standard subject configuration. Depositor
// commands are subject-keyed by account, e.g. sp.commands.provide.<addr>.
//
// Offsets are applied without further checks, so publish rights on
// sp.liquidations.> must be limited by broker ACL to the liquidation
// engine. Depositor-facing publishers only get sp.commands.>.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "sp.commands.provide.>", EventType: "ProvideToSP", ConsumerName: "pool-provide", StreamName: StreamCommands},
		{Subject: "sp.commands.withdraw.>", EventType: "WithdrawFromSP", ConsumerName: "pool-withdraw", StreamName: StreamCommands},
		{Subject: "sp.commands.withdraw_to_trove.>", EventType: "WithdrawCollateralGainToTrove", ConsumerName: "pool-withdraw-trove", StreamName: StreamCommands},
		{Subject: "sp.commands.register_front_end.>", EventType: "RegisterFrontEnd", ConsumerName: "pool-register-fe", StreamName: StreamCommands},
		{Subject: "sp.commands.open_trove.>", EventType: "OpenTrove", ConsumerName: "pool-open-trove", StreamName: StreamCommands},
		{Subject: "sp.liquidations.offset.>", EventType: "LiquidationOffset", ConsumerName: "pool-offset", StreamName: StreamLiquidations},
		{Subject: "sp.prices.>", EventType: "PriceUpdate", ConsumerName: "pool-prices", StreamName: StreamPrices},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// StreamConfigs are the inbound streams: FileStorage, retention=Limits,
// max_age=72h.
func StreamConfigs() []jetstream.StreamConfig {
	stream := func(name, subject string) jetstream.StreamConfig {
		return jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
	}
	return []jetstream.StreamConfig{
		stream(StreamCommands, "sp.commands.>"),
		stream(StreamLiquidations, "sp.liquidations.>"),
		stream(StreamPrices, "sp.prices.>"),
	}
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for _, cfg := range StreamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("stabilitypool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
