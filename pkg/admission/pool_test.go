package admission_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/admission"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, capacity int, timeout time.Duration) *admission.Pool {
	t.Helper()
	p, err := admission.NewPool(admission.Config{MaxConnections: capacity, AcquireTimeout: timeout}, nil, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestPool_AcquireRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("capacity plus one acquisitions leave one waiter", func(t *testing.T) {
		// Arrange
		const capacity = 3
		p := newTestPool(t, capacity, 0)
		for i := 0; i < capacity; i++ {
			require.NoError(t, p.Acquire(ctx, fmt.Sprintf("conn-%d", i)))
		}

		// Act
		acquired := make(chan error, 1)
		go func() { acquired <- p.Acquire(ctx, "conn-extra") }()

		// Assert
		require.Eventually(t, func() bool { return p.Waiting() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, capacity, p.ActiveCount())
		assert.False(t, p.IsAvailable("conn-new"))
		assert.True(t, p.IsAvailable("conn-0"))

		p.Release("conn-1")
		require.NoError(t, <-acquired)
		assert.Equal(t, capacity, p.ActiveCount())
		assert.Equal(t, 0, p.Waiting())
	})

	t.Run("release wakes exactly one waiter in FIFO order", func(t *testing.T) {
		// Arrange
		p := newTestPool(t, 1, 0)
		require.NoError(t, p.Acquire(ctx, "holder"))

		order := make(chan string, 2)
		for _, id := range []string{"first", "second"} {
			id := id
			go func() {
				if err := p.Acquire(ctx, id); err == nil {
					order <- id
				}
			}()
			want := 1
			if id == "second" {
				want = 2
			}
			require.Eventually(t, func() bool { return p.Waiting() == want }, time.Second, time.Millisecond)
		}

		// Act
		p.Release("holder")

		// Assert
		assert.Equal(t, "first", <-order)
		assert.Equal(t, 1, p.Waiting())
		assert.LessOrEqual(t, p.ActiveCount(), 1)

		p.Release("first")
		assert.Equal(t, "second", <-order)
	})

	t.Run("re-acquiring a held id does not take a second slot", func(t *testing.T) {
		p := newTestPool(t, 1, 0)
		require.NoError(t, p.Acquire(ctx, "a"))
		require.NoError(t, p.Acquire(ctx, "a"))
		assert.Equal(t, 1, p.ActiveCount())
	})

	t.Run("releasing an unknown id is a no-op", func(t *testing.T) {
		p := newTestPool(t, 1, 0)
		require.NoError(t, p.Acquire(ctx, "a"))

		p.Release("never-acquired")

		assert.Equal(t, 1, p.ActiveCount())
		assert.False(t, p.IsAvailable("b"))
	})

	t.Run("released slot can be reused", func(t *testing.T) {
		p := newTestPool(t, 1, 0)
		require.NoError(t, p.Acquire(ctx, "a"))
		p.Release("a")
		p.Release("a")

		assert.True(t, p.IsAvailable("b"))
		require.NoError(t, p.Acquire(ctx, "b"))
		assert.Equal(t, 1, p.ActiveCount())
	})
}

func TestPool_WaitAborts(t *testing.T) {
	t.Run("context cancellation aborts the wait", func(t *testing.T) {
		p := newTestPool(t, 1, 0)
		require.NoError(t, p.Acquire(context.Background(), "a"))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := p.Acquire(ctx, "b")

		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, p.Waiting())
		assert.Equal(t, 1, p.ActiveCount())
	})

	t.Run("configured timeout returns ErrAcquireTimeout", func(t *testing.T) {
		p := newTestPool(t, 1, 20*time.Millisecond)
		require.NoError(t, p.Acquire(context.Background(), "a"))

		err := p.Acquire(context.Background(), "b")

		require.ErrorIs(t, err, admission.ErrAcquireTimeout)
	})
}

func TestNewPool_Validation(t *testing.T) {
	_, err := admission.NewPool(admission.Config{MaxConnections: 0}, nil, zerolog.Nop())
	require.Error(t, err)
	_, err = admission.NewPool(admission.Config{MaxConnections: 1, AcquireTimeout: -time.Second}, nil, zerolog.Nop())
	require.Error(t, err)
}
