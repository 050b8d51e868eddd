package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marathon-engine/src/logger"
	"marathon-engine/src/models"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// -----------------------------------------------------------------------------
// NATSFeed
// -----------------------------------------------------------------------------

// NATSFeed is the upstream telemetry feed over NATS JetStream. The durable
// stream is bounded by message TTL and max length so backlog cannot grow
// without limit when consumers fall behind.
type NATSFeed struct {
	Config *models.MConfig
	Logger *logger.Logger

	mu       sync.Mutex
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.ConsumeContext
}

// -----------------------------------------------------------------------------

func NewNATSFeed(cfg *models.MConfig, log *logger.Logger) *NATSFeed {
	return &NATSFeed{
		Config: cfg,
		Logger: log,
	}
}

// -----------------------------------------------------------------------------

// Connect dials the broker and ensures the telemetry stream exists, retrying
// forever with capped exponential backoff. There is no terminal failure state:
// the platform must keep trying until the broker comes back.
func (f *NATSFeed) Connect(ctx context.Context) error {
	base := time.Duration(f.Config.Broker.BackoffBaseSeconds) * time.Second
	cap := time.Duration(f.Config.Broker.BackoffCapSeconds) * time.Second
	backoff := base

	for {
		err := f.connectOnce(ctx)
		if err == nil {
			f.Logger.Info("Broker connected (%s)", f.Config.Broker.URL)
			return nil
		}

		f.Logger.Warning("Broker connect failed: %v (retrying in %s)", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = NextBackoff(backoff, cap)
	}
}

// -----------------------------------------------------------------------------

func (f *NATSFeed) connectOnce(ctx context.Context) error {
	nc, err := nats.Connect(f.Config.Broker.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Duration(f.Config.Broker.BackoffBaseSeconds)*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.Logger.Warning("Broker disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			f.Logger.Info("Broker reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream: %w", err)
	}

	if err := f.ensureStream(ctx, js); err != nil {
		nc.Close()
		return err
	}

	f.mu.Lock()
	f.nc = nc
	f.js = js
	f.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------

// ensureStream creates the bounded telemetry stream if it does not exist.
func (f *NATSFeed) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      f.Config.Broker.Stream,
		Subjects:  []string{f.Config.Broker.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Duration(f.Config.Broker.MessageTTLSeconds) * time.Second,
		MaxMsgs:   f.Config.Broker.MaxMessages,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

// StartConsuming attaches the durable consumer and delivers raw payloads to
// the handler. Idempotent while already consuming.
func (f *NATSFeed) StartConsuming(handler func(raw []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumer != nil {
		return nil
	}
	if f.js == nil {
		return fmt.Errorf("broker not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := f.js.CreateOrUpdateConsumer(ctx, f.Config.Broker.Stream, jetstream.ConsumerConfig{
		Durable:       f.Config.Broker.Consumer,
		FilterSubject: f.Config.Broker.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", f.Config.Broker.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(msg.Data())
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", f.Config.Broker.Consumer, err)
	}

	f.consumer = cc
	return nil
}

// -----------------------------------------------------------------------------

// StopConsuming detaches the consumer. Idempotent.
func (f *NATSFeed) StopConsuming() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumer != nil {
		f.consumer.Stop()
		f.consumer = nil
	}
}

// -----------------------------------------------------------------------------

func (f *NATSFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nc != nil && f.nc.IsConnected()
}

// -----------------------------------------------------------------------------

func (f *NATSFeed) Close() {
	f.StopConsuming()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nc != nil {
		f.nc.Close()
		f.nc = nil
		f.js = nil
	}
}

// -----------------------------------------------------------------------------

// NextBackoff doubles the delay up to the configured cap.
func NextBackoff(current, cap time.Duration) time.Duration {
	next := current * 2
	if next > cap {
		return cap
	}
	return next
}
