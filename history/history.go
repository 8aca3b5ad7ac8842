// Package history keeps the latest transfer status of every recipient of a file.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mickamy/peertransit"
)

const keyPrefix = "peertransit:history"

// Key returns the redis hash holding the history of one file.
func Key(tenant string, file peertransit.FileID) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, tenant, file.DriveID, file.FileID)
}

// Redis stores one hash per file with a field per recipient.
type Redis struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

var _ peertransit.TransferHistory = (*Redis)(nil)

type Option func(*Redis)

// WithRetention expires a file's history after d without updates.
func WithRetention(d time.Duration) Option {
	return func(r *Redis) {
		r.retention = d
	}
}

func WithNow(now func() time.Time) Option {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{client: client, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record overwrites the recipient's status.
func (r *Redis) Record(ctx context.Context, tenant string, file peertransit.FileID, recipient string, status peertransit.TransferStatus) error {
	data, err := json.Marshal(peertransit.HistoryRecord{Status: status, UpdatedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	key := Key(tenant, file)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, recipient, data)
	if r.retention > 0 {
		pipe.Expire(ctx, key, r.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record history of %s for %s: %w", file, recipient, err)
	}
	return nil
}

// Get returns every recipient's latest record. An unknown file yields an empty map.
func (r *Redis) Get(ctx context.Context, tenant string, file peertransit.FileID) (map[string]peertransit.HistoryRecord, error) {
	fields, err := r.client.HGetAll(ctx, Key(tenant, file)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]peertransit.HistoryRecord, len(fields))
	for recipient, raw := range fields {
		var rec peertransit.HistoryRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history of %s for %s: %w", file, recipient, err)
		}
		out[recipient] = rec
	}
	return out, nil
}

// Memory keeps history in process.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]peertransit.HistoryRecord
	now     func() time.Time
}

var _ peertransit.TransferHistory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]peertransit.HistoryRecord), now: time.Now}
}

func (m *Memory) Record(_ context.Context, tenant string, file peertransit.FileID, recipient string, status peertransit.TransferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(tenant, file)
	if m.records[key] == nil {
		m.records[key] = make(map[string]peertransit.HistoryRecord)
	}
	m.records[key][recipient] = peertransit.HistoryRecord{Status: status, UpdatedAt: m.now().UTC()}
	return nil
}

func (m *Memory) Get(_ context.Context, tenant string, file peertransit.FileID) (map[string]peertransit.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]peertransit.HistoryRecord, len(m.records[Key(tenant, file)]))
	for recipient, rec := range m.records[Key(tenant, file)] {
		out[recipient] = rec
	}
	return out, nil
}
