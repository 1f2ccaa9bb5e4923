// Package admission bounds the number of concurrently open long-lived
// connections. Callers beyond capacity wait in FIFO order.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrAcquireTimeout is returned when AcquireTimeout elapses before a slot
// becomes free.
var ErrAcquireTimeout = errors.New("admission: timed out waiting for a connection slot")

// Config configures a Pool.
type Config struct {
	MaxConnections int `yaml:"max_connections"`
	// AcquireTimeout bounds how long Acquire waits. Zero waits until the
	// caller's context is done.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Pool is a counting semaphore of connection slots keyed by connection id.
type Pool struct {
	capacity int
	timeout  time.Duration
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	held    map[string]struct{}
	waiting atomic.Int64
}

// NewPool creates a Pool. m may be nil.
func NewPool(cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be greater than 0, got %d", cfg.MaxConnections)
	}
	if cfg.AcquireTimeout < 0 {
		return nil, fmt.Errorf("acquire timeout cannot be negative, got %v", cfg.AcquireTimeout)
	}
	return &Pool{
		capacity: cfg.MaxConnections,
		timeout:  cfg.AcquireTimeout,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		metrics:  m,
		logger:   logger.With().Str("component", "AdmissionPool").Logger(),
		held:     make(map[string]struct{}),
	}, nil
}

// Acquire takes a slot for id, waiting in FIFO order while the pool is
// saturated. Acquiring an id that already holds a slot returns immediately.
func (p *Pool) Acquire(ctx context.Context, id string) error {
	p.mu.Lock()
	_, ok := p.held[id]
	p.mu.Unlock()
	if ok {
		return nil
	}

	if p.sem.TryAcquire(1) {
		p.hold(id)
		return nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.timeout, ErrAcquireTimeout)
		defer cancel()
	}

	p.waiting.Add(1)
	p.report()
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		p.report()
		if errors.Is(context.Cause(ctx), ErrAcquireTimeout) {
			p.logger.Warn().Str("conn_id", id).Dur("timeout", p.timeout).Msg("Timed out waiting for a connection slot.")
			return ErrAcquireTimeout
		}
		return err
	}

	p.hold(id)
	return nil
}

// hold records a taken slot for id, returning it if a concurrent Acquire for
// the same id got there first.
func (p *Pool) hold(id string) {
	p.mu.Lock()
	if _, dup := p.held[id]; dup {
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}
	p.held[id] = struct{}{}
	p.mu.Unlock()
	p.report()
}

// Release frees the slot held by id and hands it to the longest waiting
// caller. Releasing an id that holds no slot is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	if _, ok := p.held[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.held, id)
	p.mu.Unlock()

	p.sem.Release(1)
	p.report()
}

// IsAvailable reports whether id holds a slot or could take one without
// waiting.
func (p *Pool) IsAvailable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.held[id]; ok {
		return true
	}
	return len(p.held) < p.capacity && p.waiting.Load() == 0
}

// ActiveCount returns the number of held slots.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// Waiting returns the number of callers blocked in Acquire.
func (p *Pool) Waiting() int {
	return int(p.waiting.Load())
}

// Capacity returns the configured maximum number of slots.
func (p *Pool) Capacity() int {
	return p.capacity
}

func (p *Pool) report() {
	p.metrics.Admission(p.ActiveCount(), p.Waiting())
}
