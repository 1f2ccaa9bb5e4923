// Package registry tracks the per-address subscribers held by this instance,
// mirrors them into a global presence set on the shared substrate and routes
// events published by any instance to the local subscriber of their target.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-socialgraph/pkg/events"
	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/rs/zerolog"
)

// ErrRegistryStopped is returned by operations on a stopped registry.
var ErrRegistryStopped = errors.New("registry: stopped")

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// kindSessionClaimed is a control envelope announcing that an instance has
// taken ownership of an address under the evict policy.
const kindSessionClaimed events.Kind = "session_claimed"

const (
	defaultChannel          = "socialgraph:events"
	defaultPresenceKey      = "socialgraph:presence"
	defaultOwnerTTL         = 10 * time.Minute
	defaultSubstrateTimeout = 5 * time.Second
	ownerKeyPrefix          = "session:owner:"
)

// sessionClaim is the payload of a session_claimed envelope.
type sessionClaim struct {
	ClaimedAt time.Time `json:"claimedAt"`
}

// DuplicateSessionPolicy decides what happens when one address is
// subscribed on several instances.
type DuplicateSessionPolicy string

const (
	// PolicyFanout delivers on every instance holding a local subscriber.
	PolicyFanout DuplicateSessionPolicy = "fanout"
	// PolicyEvict keeps only the most recent instance's subscriber.
	PolicyEvict DuplicateSessionPolicy = "evict"
)

// Config configures a Registry.
type Config struct {
	InstanceID             string                 `yaml:"instance_id"`
	Channel                string                 `yaml:"channel"`
	PresenceKey            string                 `yaml:"presence_key"`
	DuplicateSessionPolicy DuplicateSessionPolicy `yaml:"duplicate_session_policy"`
	OwnerTTL               time.Duration          `yaml:"owner_ttl"`
	SubstrateTimeout       time.Duration          `yaml:"substrate_timeout"`
}

func (c Config) withDefaults() (Config, error) {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Channel == "" {
		c.Channel = defaultChannel
	}
	if c.PresenceKey == "" {
		c.PresenceKey = defaultPresenceKey
	}
	if c.DuplicateSessionPolicy == "" {
		c.DuplicateSessionPolicy = PolicyFanout
	}
	if c.OwnerTTL <= 0 {
		c.OwnerTTL = defaultOwnerTTL
	}
	if c.SubstrateTimeout <= 0 {
		c.SubstrateTimeout = defaultSubstrateTimeout
	}
	switch c.DuplicateSessionPolicy {
	case PolicyFanout, PolicyEvict:
	default:
		return c, fmt.Errorf("unknown duplicate session policy %q", c.DuplicateSessionPolicy)
	}
	return c, nil
}

// Registry is the local subscriber map of one instance plus its view of the
// global presence set.
type Registry struct {
	cfg       Config
	substrate substrate.Substrate
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	departing   map[string]*Subscriber
	sub         substrate.Subscription
	stopped     bool

	tasks sync.WaitGroup
}

// New creates a Registry over s. m may be nil.
func New(cfg Config, s substrate.Substrate, m *metrics.Metrics, logger zerolog.Logger) (*Registry, error) {
	if s == nil {
		return nil, errors.New("substrate cannot be nil")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Registry{
		cfg:         cfg,
		substrate:   s,
		metrics:     m,
		logger:      logger.With().Str("component", "Registry").Str("instance_id", cfg.InstanceID).Logger(),
		subscribers: make(map[string]*Subscriber),
		departing:   make(map[string]*Subscriber),
	}, nil
}

// InstanceID returns the id this instance publishes under.
func (r *Registry) InstanceID() string { return r.cfg.InstanceID }

// Start subscribes to the broadcast channel.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRegistryStopped
	}
	if r.sub != nil {
		return nil
	}
	sub, err := r.substrate.Subscribe(ctx, r.cfg.Channel, r.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.cfg.Channel, err)
	}
	r.sub = sub
	r.logger.Info().Str("channel", r.cfg.Channel).Str("policy", string(r.cfg.DuplicateSessionPolicy)).Msg("Registry started.")
	return nil
}

// Stop removes every local address from the global presence set in one
// batched call, closes every subscriber and unsubscribes from the channel.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	subs := r.subscribers
	r.subscribers = make(map[string]*Subscriber)
	channelSub := r.sub
	r.sub = nil
	r.mu.Unlock()

	r.tasks.Wait()

	addresses := make([]string, 0, len(subs))
	for address := range subs {
		addresses = append(addresses, address)
	}
	var errs []error
	if len(addresses) > 0 {
		if err := r.substrate.SRem(ctx, r.cfg.PresenceKey, addresses...); err != nil {
			r.logger.Error().Err(err).Int("addresses", len(addresses)).Msg("Failed to remove local addresses from the global presence set.")
			errs = append(errs, err)
		}
	}
	for _, s := range subs {
		s.close()
		close(s.released)
	}
	if channelSub != nil {
		if err := channelSub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info().Int("addresses", len(addresses)).Msg("Registry stopped.")
	return errors.Join(errs...)
}

// Normalize lower-cases and trims an address for use as a key.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// GetOrCreate returns the local subscriber for address, creating and
// registering it when absent. Global registration happens asynchronously,
// after any cleanup of a previous subscriber of the address, and its failure
// only affects cross-instance presence.
func (r *Registry) GetOrCreate(ctx context.Context, address string) (*Subscriber, error) {
	address = Normalize(address)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrRegistryStopped
	}
	if s, ok := r.subscribers[address]; ok {
		r.mu.Unlock()
		return s, nil
	}
	s := newSubscriber(address)
	s.after = r.departing[address]
	r.subscribers[address] = s
	r.tasks.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.tasks.Done()
		defer close(s.registered)
		r.register(context.WithoutCancel(ctx), s)
	}()
	return s, nil
}

// register adds address to the global presence set and, under the evict
// policy, claims ownership of the address.
func (r *Registry) register(ctx context.Context, s *Subscriber) {
	if s.after != nil {
		<-s.after.released
	}
	address := s.address
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SubstrateTimeout)
	defer cancel()

	if err := r.substrate.SAdd(ctx, r.cfg.PresenceKey, address); err != nil {
		r.logger.Warn().Err(err).Str("address", address).Msg("Failed to add address to the global presence set, local delivery only.")
	}
	if r.cfg.DuplicateSessionPolicy != PolicyEvict {
		return
	}
	if err := r.substrate.Put(ctx, ownerKeyPrefix+address, []byte(r.cfg.InstanceID), r.cfg.OwnerTTL); err != nil {
		r.logger.Warn().Err(err).Str("address", address).Msg("Failed to record session owner.")
	}
	payload, err := json.Marshal(sessionClaim{ClaimedAt: s.created})
	if err != nil {
		return
	}
	claim, err := json.Marshal(events.Envelope{Kind: kindSessionClaimed, Target: address, Origin: r.cfg.InstanceID, Payload: payload})
	if err != nil {
		return
	}
	if err := r.substrate.Publish(ctx, r.cfg.Channel, claim); err != nil {
		r.logger.Warn().Err(err).Str("address", address).Msg("Failed to broadcast session claim.")
	}
}

// Get returns the local subscriber for address without creating one.
func (r *Registry) Get(address string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscribers[Normalize(address)]
	return s, ok
}

// Remove closes the local subscriber for address and removes the address
// from the global presence set, waiting for the global cleanup until ctx is
// done. Under the evict policy the global entry is kept when another
// instance owns the address.
func (r *Registry) Remove(ctx context.Context, address string) {
	select {
	case <-r.Detach(address):
	case <-ctx.Done():
	}
}

// Detach closes and drops the local subscriber for address without waiting
// on the substrate. The global cleanup runs in the background once the
// subscriber's own registration has finished; the returned channel is
// closed when it completes.
func (r *Registry) Detach(address string) <-chan struct{} {
	address = Normalize(address)
	r.mu.Lock()
	s, ok := r.subscribers[address]
	if !ok {
		r.mu.Unlock()
		return closedChan
	}
	delete(r.subscribers, address)
	r.departing[address] = s
	r.tasks.Add(1)
	r.mu.Unlock()

	s.close()
	go func() {
		defer r.tasks.Done()
		r.release(s)
	}()
	return s.released
}

// release removes a detached subscriber's address from the global presence
// set. It runs after the subscriber's registration so a late SAdd cannot
// re-add the address.
func (r *Registry) release(s *Subscriber) {
	defer close(s.released)
	defer func() {
		r.mu.Lock()
		if r.departing[s.address] == s {
			delete(r.departing, s.address)
		}
		r.mu.Unlock()
	}()
	<-s.registered

	address := s.address
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SubstrateTimeout)
	defer cancel()
	if !r.ownsGlobalEntry(ctx, address) {
		r.logger.Debug().Str("address", address).Msg("Address owned by another instance, keeping global presence entry.")
		return
	}
	if err := r.substrate.SRem(ctx, r.cfg.PresenceKey, address); err != nil {
		r.logger.Warn().Err(err).Str("address", address).Msg("Failed to remove address from the global presence set.")
	}
}

func (r *Registry) ownsGlobalEntry(ctx context.Context, address string) bool {
	owner, err := r.substrate.Get(ctx, ownerKeyPrefix+address)
	if err != nil {
		return true
	}
	return string(owner) == r.cfg.InstanceID
}

// ListLocalAddresses returns the addresses with a subscriber on this instance.
func (r *Registry) ListLocalAddresses() []string {
	r.mu.RLock()
	addresses := make([]string, 0, len(r.subscribers))
	for address := range r.subscribers {
		addresses = append(addresses, address)
	}
	r.mu.RUnlock()
	sort.Strings(addresses)
	return addresses
}

// ListGlobalAddresses returns the global presence set, falling back to the
// local addresses when the substrate is unreachable.
func (r *Registry) ListGlobalAddresses(ctx context.Context) []string {
	members, err := r.substrate.SMembers(ctx, r.cfg.PresenceKey)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to read the global presence set, falling back to local addresses.")
		return r.ListLocalAddresses()
	}
	sort.Strings(members)
	return members
}

// IsConnected reports whether address is present on any instance.
func (r *Registry) IsConnected(ctx context.Context, address string) bool {
	address = Normalize(address)
	if _, ok := r.Get(address); ok {
		return true
	}
	for _, member := range r.ListGlobalAddresses(ctx) {
		if member == address {
			return true
		}
	}
	return false
}

// Publish broadcasts ev for target to every instance. When the broadcast
// fails the event is still delivered to a local subscriber of target.
func (r *Registry) Publish(ctx context.Context, target string, ev events.Event) error {
	target = Normalize(target)
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return ErrRegistryStopped
	}

	msg, err := events.Encode(target, r.cfg.InstanceID, ev)
	if err != nil {
		return err
	}
	if err := r.substrate.Publish(ctx, r.cfg.Channel, msg); err != nil {
		r.logger.Warn().Err(err).Str("address", target).Msg("Broadcast failed, delivering locally only.")
		r.deliver(target, ev)
		return fmt.Errorf("failed to publish %s event: %w", ev.Kind(), err)
	}
	return nil
}

// handle routes one envelope from the broadcast channel.
func (r *Registry) handle(ctx context.Context, msg []byte) {
	var env events.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Error().Err(err).Msg("Failed to unmarshal envelope, dropping it.")
		return
	}

	if env.Kind == kindSessionClaimed {
		r.handleClaim(ctx, env)
		return
	}

	ev, err := events.Decode(env)
	if err != nil {
		r.logger.Error().Err(err).Str("address", env.Target).Msg("Failed to decode event, dropping it.")
		return
	}
	r.deliver(Normalize(env.Target), ev)
}

func (r *Registry) deliver(target string, ev events.Event) {
	s, ok := r.Get(target)
	if !ok {
		r.metrics.Dropped(string(ev.Kind()))
		return
	}
	if n := s.emit(ev); n > 0 {
		r.metrics.Delivered(string(ev.Kind()))
	}
}

func (r *Registry) handleClaim(ctx context.Context, env events.Envelope) {
	if r.cfg.DuplicateSessionPolicy != PolicyEvict || env.Origin == r.cfg.InstanceID {
		return
	}
	s, ok := r.Get(env.Target)
	if !ok {
		return
	}
	var claim sessionClaim
	if err := json.Unmarshal(env.Payload, &claim); err != nil {
		r.logger.Warn().Err(err).Str("address", env.Target).Msg("Malformed session claim, ignoring it.")
		return
	}
	if !claim.ClaimedAt.After(s.created) {
		return
	}
	r.logger.Info().Str("address", env.Target).Str("owner", env.Origin).Msg("Session claimed by another instance, evicting local subscriber.")
	r.Remove(ctx, env.Target)
}
