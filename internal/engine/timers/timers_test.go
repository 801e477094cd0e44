package timers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

func TestRunDueFiresOnlyDueJobs(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Schedule(model.TimerJob{ID: "due", DueAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, store.Schedule(model.TimerJob{ID: "future", DueAt: time.Now().Add(time.Hour)}))

	var fired []string
	svc := New(store, func(_ context.Context, job model.TimerJob) error {
		fired = append(fired, job.ID)
		return nil
	}, Config{Holder: "w1"}, nil)

	n, err := svc.RunDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// fire is asynchronous per job; wait for completion via WaitGroup semantics
	svc.wg.Wait()
	require.Equal(t, []string{"due"}, fired)
}

func TestClaimDueIsExclusiveUnderContention(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Schedule(model.TimerJob{ID: "j1", DueAt: time.Now().Add(-time.Second)}))

	var successCount int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			jobs, err := store.ClaimDue(context.Background(), time.Now(), "worker", time.Minute, 10)
			require.NoError(t, err)
			if len(jobs) > 0 {
				atomic.AddInt32(&successCount, 1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, successCount, "exactly one claimant should win the lease race")
}

func TestClaimDueSkipsActiveLease(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Schedule(model.TimerJob{ID: "j1", DueAt: time.Now().Add(-time.Second)}))

	jobs, err := store.ClaimDue(context.Background(), time.Now(), "w1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs2, err := store.ClaimDue(context.Background(), time.Now(), "w2", time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, jobs2, "active lease must not be reclaimed before expiry")
}

func TestClaimDueReclaimsAfterLeaseExpiry(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Schedule(model.TimerJob{ID: "j1", DueAt: time.Now().Add(-time.Second)}))

	_, err := store.ClaimDue(context.Background(), time.Now(), "w1", time.Millisecond, 10)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	jobs2, err := store.ClaimDue(context.Background(), time.Now(), "w2", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, jobs2, 1, "expired lease must be reclaimable")
}

func TestMarkFiredAndCancelTransitions(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Schedule(model.TimerJob{ID: "j1", DueAt: time.Now()}))

	require.NoError(t, store.MarkFired("j1"))
	require.Error(t, store.MarkFired("missing"))

	require.NoError(t, store.Schedule(model.TimerJob{ID: "j2", DueAt: time.Now()}))
	require.NoError(t, store.Cancel("j2"))

	jobs, err := store.ClaimDue(context.Background(), time.Now(), "w1", time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, jobs, "fired/cancelled jobs must not be claimable")
}

func TestRunDueRecordsFireErrorWithoutMarkingFired(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Schedule(model.TimerJob{ID: "j1", DueAt: time.Now().Add(-time.Second)}))

	svc := New(store, func(_ context.Context, _ model.TimerJob) error {
		return require.AnError
	}, Config{Holder: "w1"}, nil)

	_, err := svc.RunDue(context.Background())
	require.NoError(t, err)
	svc.wg.Wait()

	store.mu.Lock()
	job := store.jobs["j1"]
	store.mu.Unlock()
	require.Equal(t, model.TimerLeased, job.Status, "failed fire must leave the job leased, not fired")
}
