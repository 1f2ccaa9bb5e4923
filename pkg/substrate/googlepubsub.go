package substrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GooglePubsubConfig configures a GooglePubsubBroadcaster.
type GooglePubsubConfig struct {
	// InstanceID makes each instance's subscription unique, so every
	// instance receives every message published on a channel.
	InstanceID string `yaml:"instance_id"`
	// CreateTopics creates missing topics instead of failing.
	CreateTopics bool `yaml:"create_topics"`
	// SubscriptionExpiry lets Pub/Sub garbage collect subscriptions of
	// instances that died without cleaning up. Zero leaves the default.
	SubscriptionExpiry time.Duration `yaml:"subscription_expiry"`
	// DeleteOnClose removes the instance subscription when it is closed.
	DeleteOnClose bool `yaml:"delete_on_close"`
}

// GooglePubsubBroadcaster implements Broadcaster on Google Cloud Pub/Sub.
// A channel maps to a topic; each instance attaches its own subscription.
// The Pub/Sub client's lifecycle is managed by the caller.
type GooglePubsubBroadcaster struct {
	client *pubsub.Client
	cfg    GooglePubsubConfig
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGooglePubsubBroadcaster creates a broadcaster on an existing client.
func NewGooglePubsubBroadcaster(client *pubsub.Client, cfg GooglePubsubConfig, logger zerolog.Logger) (*GooglePubsubBroadcaster, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("instance id is required for per-instance subscriptions")
	}
	return &GooglePubsubBroadcaster{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "GooglePubsubBroadcaster").Str("instance_id", cfg.InstanceID).Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// topic returns the cached topic handle for a channel, creating the topic if
// configured to and it does not exist yet.
func (b *GooglePubsubBroadcaster) topic(ctx context.Context, channel string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[channel]; ok {
		return t, nil
	}

	t := b.client.Topic(channel)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", channel, err)
	}
	if !exists {
		if !b.cfg.CreateTopics {
			return nil, fmt.Errorf("pubsub topic %s does not exist", channel)
		}
		t, err = b.client.CreateTopic(ctx, channel)
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("failed to create topic %s: %w", channel, err)
		}
		if err != nil {
			t = b.client.Topic(channel)
		}
		b.logger.Info().Str("topic_id", channel).Msg("Created Pub/Sub topic.")
	}
	b.topics[channel] = t
	return t, nil
}

// Publish sends msg to the channel's topic and waits for the server ack.
func (b *GooglePubsubBroadcaster) Publish(ctx context.Context, channel string, msg []byte) error {
	t, err := b.topic(ctx, channel)
	if err != nil {
		return err
	}
	res := t.Publish(ctx, &pubsub.Message{Data: msg})
	msgID, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", channel, err)
	}
	b.logger.Debug().Str("published_msg_id", msgID).Str("topic_id", channel).Msg("Message sent successfully.")
	return nil
}

// Subscribe attaches this instance's subscription to the channel topic and
// starts a Receive loop. Callbacks are serialised so the handler observes
// messages one at a time.
func (b *GooglePubsubBroadcaster) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	t, err := b.topic(ctx, channel)
	if err != nil {
		return nil, err
	}

	subID := fmt.Sprintf("%s-%s", channel, b.cfg.InstanceID)
	subCfg := pubsub.SubscriptionConfig{Topic: t}
	if b.cfg.SubscriptionExpiry > 0 {
		subCfg.ExpirationPolicy = b.cfg.SubscriptionExpiry
	}
	sub, err := b.client.CreateSubscription(ctx, subID, subCfg)
	if err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("failed to create subscription %s: %w", subID, err)
		}
		sub = b.client.Subscription(subID)
	}
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	receiveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps := &pubsubSubscription{
		sub:           sub,
		cancel:        cancel,
		doneChan:      make(chan struct{}),
		deleteOnClose: b.cfg.DeleteOnClose,
		logger:        b.logger.With().Str("subscription_id", subID).Logger(),
	}

	go func() {
		defer close(ps.doneChan)
		defer ps.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")

		ps.logger.Info().Msg("Pub/Sub Receive goroutine started.")
		err := sub.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			handler(ctx, msg.Data)
			msg.Ack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			ps.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
	}()
	return ps, nil
}

// Close flushes and stops every topic handle used for publishing.
func (b *GooglePubsubBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		t.Stop()
		delete(b.topics, id)
	}
	return nil
}

type pubsubSubscription struct {
	sub           *pubsub.Subscription
	cancel        context.CancelFunc
	doneChan      chan struct{}
	deleteOnClose bool
	logger        zerolog.Logger
	stopOnce      sync.Once
	err           error
}

// Close stops the Receive loop and optionally deletes the subscription.
func (p *pubsubSubscription) Close() error {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Stopping Pub/Sub subscription...")
		p.cancel()
		select {
		case <-p.doneChan:
		case <-time.After(30 * time.Second):
			p.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
		}
		if p.deleteOnClose {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.sub.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
				p.err = fmt.Errorf("failed to delete subscription: %w", err)
			}
		}
	})
	return p.err
}
