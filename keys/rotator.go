package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Persister saves a rotation before it is published. retired is nil when the identity had no ring.
type Persister func(identity string, next, retired *Keyring) error

type RotatorOptions struct {
	// TTL is the lifetime of a generated ring. Zero disables rotation.
	TTL time.Duration
	// Window rotates a ring this long before it expires. Defaults to TTL/10.
	Window   time.Duration
	Interval time.Duration
	Persist  Persister
	Now      func() time.Time
}

func (o *RotatorOptions) setDefaults() {
	if o.Window <= 0 {
		o.Window = o.TTL / 10
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Rotator replaces published keyrings before they expire.
type Rotator struct {
	rings   *Keyrings
	opts    RotatorOptions
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewRotator(rings *Keyrings, opts RotatorOptions) *Rotator {
	opts.setDefaults()
	return &Rotator{rings: rings, opts: opts, stopCh: make(chan struct{})}
}

func (r *Rotator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					logrus.WithError(err).Error("transit key rotation failed")
				}
			}
		}
	}()
}

func (r *Rotator) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

// RunOnce rotates every ring that expires within the window and returns the rotated identities.
func (r *Rotator) RunOnce(ctx context.Context) ([]string, error) {
	if r.opts.TTL <= 0 {
		return nil, nil
	}
	now := r.opts.Now()
	var (
		rotated []string
		errs    []error
	)
	for _, identity := range r.rings.Identities() {
		if err := ctx.Err(); err != nil {
			return rotated, err
		}
		current, err := r.rings.Get(identity)
		if err != nil {
			continue
		}
		expiresAt := current.ExpiresAt()
		if expiresAt.IsZero() || now.Before(expiresAt.Add(-r.opts.Window)) {
			continue
		}
		next, err := GenerateKeyring(now.Add(r.opts.TTL))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.opts.Persist != nil {
			if err := r.opts.Persist(identity, next, current); err != nil {
				errs = append(errs, fmt.Errorf("keys: persist rotation of %s: %w", identity, err))
				continue
			}
		}
		r.rings.Rotate(identity, next)
		rotated = append(rotated, identity)
		logrus.WithFields(logrus.Fields{
			"tenant":      identity,
			"crc":         next.CRC(),
			"retired_crc": current.CRC(),
			"expires_at":  next.ExpiresAt(),
		}).Info("rotated transit key")
	}
	return rotated, errors.Join(errs...)
}
