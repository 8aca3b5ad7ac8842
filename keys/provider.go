package keys

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mickamy/peertransit"
)

// Fetcher retrieves a recipient's current public key from its host.
type Fetcher interface {
	FetchPublicKey(ctx context.Context, recipient string) (peertransit.PublicKey, error)
}

// Stats counts key traffic since the provider was created.
type Stats struct {
	CacheHits     int64
	Fetches       int64
	Invalidations int64
}

// Provider implements peertransit.KeyProvider over a Fetcher and a Cache.
type Provider struct {
	fetcher Fetcher
	cache   Cache
	ttl     time.Duration
	now     func() time.Time

	hits          atomic.Int64
	fetches       atomic.Int64
	invalidations atomic.Int64
}

var _ peertransit.KeyProvider = (*Provider)(nil)

type ProviderOption func(*Provider)

// WithCacheTTL bounds how long a key is cached when the recipient sets no expiry.
func WithCacheTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithNow(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProvider(fetcher Fetcher, cache Cache, opts ...ProviderOption) *Provider {
	p := &Provider{
		fetcher: fetcher,
		cache:   cache,
		ttl:     time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetRecipientPublicKey returns the cached key unless it is missing or expired.
func (p *Provider) GetRecipientPublicKey(ctx context.Context, recipient string) (peertransit.PublicKey, error) {
	now := p.now()
	key, ok, err := p.cache.Get(ctx, recipient)
	if err != nil {
		logrus.WithFields(logrus.Fields{"recipient": recipient, "error": err}).Warn("public key cache read failed")
	}
	if ok && !key.Expired(now) {
		p.hits.Add(1)
		return key, nil
	}

	key, err = p.fetcher.FetchPublicKey(ctx, recipient)
	if err != nil {
		return peertransit.PublicKey{}, fmt.Errorf("keys: failed to fetch public key of %s: %w", recipient, err)
	}
	p.fetches.Add(1)
	if key.Expired(now) {
		return peertransit.PublicKey{}, fmt.Errorf("%w: key of %s expired at %s", ErrInvalidKey, recipient, key.ExpiresAt)
	}

	ttl := p.ttl
	if !key.ExpiresAt.IsZero() {
		ttl = min(ttl, key.ExpiresAt.Sub(now))
	}
	if err := p.cache.Set(ctx, recipient, key, ttl); err != nil {
		logrus.WithFields(logrus.Fields{"recipient": recipient, "error": err}).Warn("public key cache write failed")
	}
	return key, nil
}

// InvalidateKey drops the cached key so the next send refetches it.
func (p *Provider) InvalidateKey(ctx context.Context, recipient string) error {
	p.invalidations.Add(1)
	logrus.WithField("recipient", recipient).Info("invalidating cached public key")
	return p.cache.Delete(ctx, recipient)
}

func (p *Provider) EncryptPayloadForRecipient(ctx context.Context, recipient string, plaintext []byte) (peertransit.EncryptedPayload, error) {
	key, err := p.GetRecipientPublicKey(ctx, recipient)
	if err != nil {
		return peertransit.EncryptedPayload{}, err
	}
	sealed, err := Seal(key, plaintext)
	if err != nil {
		return peertransit.EncryptedPayload{}, err
	}
	return peertransit.EncryptedPayload{Ciphertext: sealed, KeyCRC: key.CRC}, nil
}

func (p *Provider) Stats() Stats {
	return Stats{
		CacheHits:     p.hits.Load(),
		Fetches:       p.fetches.Load(),
		Invalidations: p.invalidations.Load(),
	}
}
