package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "peertransit:reconcile:frodo.example"

func TestReconcileKey(t *testing.T) {
	assert.Equal(t, key, ReconcileKey("frodo.example"))
}

func TestLockerCommands(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock redismock.ClientMock)
		call   func(l *Locker) error
		want   error
	}{
		{
			name:   "lock acquired",
			expect: func(m redismock.ClientMock) { m.ExpectSetNX(key, "instance-1", time.Minute).SetVal(true) },
			call:   func(l *Locker) error { return l.Lock(context.Background(), time.Minute) },
		},
		{
			name:   "lock contended",
			expect: func(m redismock.ClientMock) { m.ExpectSetNX(key, "instance-1", time.Minute).SetVal(false) },
			call:   func(l *Locker) error { return l.Lock(context.Background(), time.Minute) },
			want:   ErrHeld,
		},
		{
			name: "extend held lease",
			expect: func(m redismock.ClientMock) {
				m.ExpectEval(renewScript, []string{key}, "instance-1", int64(30_000)).SetVal(int64(1))
			},
			call: func(l *Locker) error { return l.Extend(context.Background(), 30*time.Second) },
		},
		{
			name: "extend lost lease",
			expect: func(m redismock.ClientMock) {
				m.ExpectEval(renewScript, []string{key}, "instance-1", int64(30_000)).SetVal(int64(0))
			},
			call: func(l *Locker) error { return l.Extend(context.Background(), 30*time.Second) },
			want: ErrLost,
		},
		{
			name: "unlock",
			expect: func(m redismock.ClientMock) {
				m.ExpectEval(releaseScript, []string{key}, "instance-1").SetVal(int64(1))
			},
			call: func(l *Locker) error { return l.Unlock(context.Background()) },
		},
		{
			name: "unlock after expiry",
			expect: func(m redismock.ClientMock) {
				m.ExpectEval(releaseScript, []string{key}, "instance-1").SetVal(int64(0))
			},
			call: func(l *Locker) error { return l.Unlock(context.Background()) },
			want: ErrLost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := redismock.NewClientMock()
			tt.expect(mock)
			err := tt.call(NewLocker(db, key, "instance-1"))
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLockerRedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectSetNX(key, "instance-1", time.Minute).SetErr(errors.New("connection refused"))

	err := NewLocker(db, key, "instance-1").Lock(context.Background(), time.Minute)
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, errors.Is(err, ErrHeld))
}

func TestLeaseRenewalOutlivesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	first := NewLocker(client, key, "instance-1")
	second := NewLocker(client, key, "instance-2")

	require.NoError(t, first.Lock(ctx, time.Minute))
	assert.ErrorIs(t, second.Lock(ctx, time.Minute), ErrHeld)
	assert.ErrorIs(t, second.Extend(ctx, time.Minute), ErrLost)

	mr.FastForward(45 * time.Second)
	require.NoError(t, first.Extend(ctx, time.Minute))
	mr.FastForward(45 * time.Second)
	assert.ErrorIs(t, second.Lock(ctx, time.Minute), ErrHeld, "renewed lease is still held past the first ttl")

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, first.Extend(ctx, time.Minute), ErrLost)
	assert.ErrorIs(t, first.Unlock(ctx), ErrLost)
	require.NoError(t, second.Lock(ctx, time.Minute))
	require.NoError(t, second.Unlock(ctx))
}
