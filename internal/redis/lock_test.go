package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl, wait time.Duration) (DoctorLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDoctorLocker(client, ttl, wait), mr
}

func TestWithDoctorLockReleasesKey(t *testing.T) {
	locker, mr := newTestLocker(t, 5*time.Second, 100*time.Millisecond)
	doctorID := uuid.New()

	ran := false
	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists(lockKey(doctorID)), "lock key should exist inside critical section")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(lockKey(doctorID)))
}

func TestWithDoctorLockPropagatesCallbackError(t *testing.T) {
	locker, mr := newTestLocker(t, 5*time.Second, 100*time.Millisecond)
	doctorID := uuid.New()
	boom := errors.New("boom")

	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(lockKey(doctorID)))
}

func TestWithDoctorLockTimesOutWhenHeld(t *testing.T) {
	locker, mr := newTestLocker(t, 5*time.Second, 60*time.Millisecond)
	doctorID := uuid.New()

	require.NoError(t, mr.Set(lockKey(doctorID), "someone-else"))

	err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
		t.Fatal("callback must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)

	got, err := mr.Get(lockKey(doctorID))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "foreign lock must not be removed")
}

func TestWithDoctorLockSerializesCallers(t *testing.T) {
	locker, _ := newTestLocker(t, 5*time.Second, 2*time.Second)
	doctorID := uuid.New()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithDoctorLock(context.Background(), doctorID, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestWithDoctorLockDifferentDoctorsDoNotContend(t *testing.T) {
	locker, _ := newTestLocker(t, 5*time.Second, 10*time.Millisecond)
	a, b := uuid.New(), uuid.New()

	err := locker.WithDoctorLock(context.Background(), a, func(ctx context.Context) error {
		return locker.WithDoctorLock(ctx, b, func(ctx context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestNoopDoctorLockerRunsCallback(t *testing.T) {
	boom := errors.New("boom")
	err := NoopDoctorLocker{}.WithDoctorLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}
