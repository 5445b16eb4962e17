package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "github.com/pairforge/pairforge/internal/repository"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s.DB())
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.TopUp(ctx, "u1", 100))

	require.NoError(t, l.Reserve(ctx, "u1", 40))

	w, err := l.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.AvailableCredits)
	assert.Equal(t, int64(40), w.ReservedCredits)
	assert.Equal(t, int64(60), w.TrulyAvailable())

	// Consume less than reserved.
	require.NoError(t, l.Release(ctx, "u1", 40, 25))

	w, err = l.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), w.AvailableCredits)
	assert.Equal(t, int64(0), w.ReservedCredits)
}

func TestReserveInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.TopUp(ctx, "u1", 30))
	require.NoError(t, l.Reserve(ctx, "u1", 20))

	// Only 10 truly available now.
	err := l.Reserve(ctx, "u1", 11)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Exactly the remainder succeeds.
	assert.NoError(t, l.Reserve(ctx, "u1", 10))
}

func TestReserveWalletMissing(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	assert.ErrorIs(t, l.Reserve(ctx, "ghost", 1), ErrWalletMissing)
	assert.ErrorIs(t, l.Release(ctx, "ghost", 1, 1), ErrWalletMissing)
}

func TestReleaseFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.TopUp(ctx, "u1", 10))
	require.NoError(t, l.Reserve(ctx, "u1", 5))

	// Over-reporting consumption or reservation must not drive negatives.
	require.NoError(t, l.Release(ctx, "u1", 50, 50))

	w, err := l.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.AvailableCredits)
	assert.Equal(t, int64(0), w.ReservedCredits)
}

func TestConcurrentReservationConservation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	const available = 100
	const workers = 20
	const each = 10

	require.NoError(t, l.TopUp(ctx, "u1", available))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, "u1", each); err == nil {
				mu.Lock()
				granted += each
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// The sum of successful reservations never exceeds truly-available.
	assert.LessOrEqual(t, granted, int64(available))

	w, err := l.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, granted, w.ReservedCredits)
	assert.LessOrEqual(t, w.ReservedCredits, w.AvailableCredits)
}

func TestEstimate(t *testing.T) {
	in, out := Estimate(nil, "hi")
	assert.Equal(t, int64(1), in)
	assert.Equal(t, int64(outputTokenFloor), out)

	long := make([]byte, 40000)
	for i := range long {
		long[i] = 'a'
	}
	in, out = Estimate(nil, string(long))
	assert.Equal(t, int64(10000), in)
	assert.Equal(t, int64(5000), out)

	assert.Equal(t, int64(1), CreditsForTokens(0))
	assert.Equal(t, int64(1), CreditsForTokens(100))
	assert.Equal(t, int64(2), CreditsForTokens(101))
}
