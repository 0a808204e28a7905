package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/sqlstore"
)

// newPostgresLedger opens a ledger on TIERCACHE_POSTGRES_DSN with empty
// tables. The tests share the database so they must not run in parallel.
func newPostgresLedger(t *testing.T, p models.QuotaPolicy) *Ledger {
	t.Helper()
	dsn := os.Getenv("TIERCACHE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TIERCACHE_POSTGRES_DSN not set")
	}
	l, err := Open(dsn, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.Equal(t, sqlstore.DialectPostgres, l.db.Dialect)

	_, err = l.db.ExecContext(context.Background(), `TRUNCATE usage_counters, reservations`)
	require.NoError(t, err)
	return l
}

func TestPostgresReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	l := newPostgresLedger(t, dailyPolicy(10000))
	fixedClock(l, time.Now().UTC())

	committed, denial, err := l.Reserve(ctx, 1500)
	require.NoError(t, err)
	require.Nil(t, denial)
	require.NoError(t, l.Commit(ctx, committed, 900))

	released, denial, err := l.Reserve(ctx, 700)
	require.NoError(t, err)
	require.Nil(t, denial)

	held, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(900), held.DailyTokens)
	assert.Equal(t, int64(700), held.DailyReserved)
	assert.Equal(t, int64(2), held.RequestsThisMinute)

	require.NoError(t, l.Release(ctx, released))
	assert.True(t, errors.Is(l.Release(ctx, released), ErrReservationUnknown))
	assert.True(t, errors.Is(l.Commit(ctx, committed, 900), ErrReservationUnknown))

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(900), snap.DailyTokens)
	assert.Equal(t, int64(900), snap.MonthlyTokens)
	assert.Zero(t, snap.DailyReserved)
	assert.Equal(t, int64(1), snap.RequestsThisMinute)

	_, denial, err = l.Reserve(ctx, 9200)
	require.NoError(t, err)
	require.NotNil(t, denial)
	assert.Equal(t, []models.DenialReason{models.DeniedTokensPerDay}, denial.Reasons())
}

func TestPostgresConcurrentReservationsDenyExactlyOne(t *testing.T) {
	const n = 12
	const each = 250
	l := newPostgresLedger(t, dailyPolicy((n-1)*each))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		denied  int
		granted int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, d, err := l.Reserve(context.Background(), each)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case d != nil:
				denied++
			default:
				granted++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, denied)
	assert.Equal(t, n-1, granted)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64((n-1)*each), snap.DailyReserved)
}
