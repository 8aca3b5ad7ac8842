package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/config"
	"github.com/mickamy/peertransit/history"
	awssqs "github.com/mickamy/peertransit/internal/lib/aws/sqs"
	"github.com/mickamy/peertransit/internal/localdrive"
	"github.com/mickamy/peertransit/internal/lock"
	"github.com/mickamy/peertransit/internal/logging"
	"github.com/mickamy/peertransit/internal/redisdb"
	"github.com/mickamy/peertransit/keys"
	"github.com/mickamy/peertransit/notify"
	"github.com/mickamy/peertransit/perimeter"
	"github.com/mickamy/peertransit/stores"
	"github.com/mickamy/peertransit/workers"
)

// app holds everything one peertransit process runs for its tenants.
type app struct {
	cnf        *config.Configuration
	db         *stores.DB
	redis      redis.UniversalClient
	drive      *localdrive.Drive
	acl        *localdrive.ConnectionsACL
	keyrings   *keys.Keyrings
	rotator    *keys.Rotator
	keys       *keys.Provider
	history    peertransit.TransferHistory
	notifier   peertransit.Notifier
	client     *workers.Client
	hooks      peertransit.Hooks
	supervisor *peertransit.Supervisor
	perimeter  *perimeter.Server
	instanceID string
}

type appOptions struct {
	// HTTPClient carries peer transfers, key fetches and webhook pushes.
	HTTPClient *http.Client
	Hooks      peertransit.Hooks
	Now        func() time.Time
}

func newApp(ctx context.Context, cnf *config.Configuration, opts appOptions) (*app, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &app{cnf: cnf, hooks: opts.Hooks, instanceID: uuid.NewString()}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	var err error
	if a.db, err = stores.Open(cnf.DataSource.Dns); err != nil {
		return nil, fmt.Errorf("error opening data source: %w", err)
	}
	if cnf.Redis.Dns != "" {
		if a.redis, err = redisdb.NewClient(ctx, strings.Split(cnf.Redis.Dns, ",")); err != nil {
			return nil, fmt.Errorf("error connecting to redis: %w", err)
		}
	}
	if a.drive, err = localdrive.New(cnf.Drive.Root); err != nil {
		return nil, err
	}
	a.acl = localdrive.NewConnectionsACL(cnf.Drive.Connections)

	keyTTL := time.Duration(cnf.Keys.TTLHours) * time.Hour
	if a.keyrings, err = loadKeyrings(cnf.Keys.Dir, cnf.Tenants, keyTTL, opts.Now()); err != nil {
		return nil, err
	}
	a.rotator = keys.NewRotator(a.keyrings, keys.RotatorOptions{
		TTL:     keyTTL,
		Persist: keyFilePersister(cnf.Keys.Dir, keyTTL),
		Now:     opts.Now,
	})
	cacheTTL := time.Duration(cnf.Keys.CacheTTLMin) * time.Minute
	var cache keys.Cache = keys.NewLocalCache(cacheTTL)
	if a.redis != nil {
		cache = keys.NewRedisCache(a.redis, cacheTTL)
	}
	fetcher := keys.NewRemoteFetcher(opts.HTTPClient, keys.WithScheme(cnf.Peer.Scheme))
	a.keys = keys.NewProvider(fetcher, cache, keys.WithCacheTTL(cacheTTL), keys.WithNow(opts.Now))

	if a.redis != nil {
		a.history = history.NewRedis(a.redis,
			history.WithRetention(time.Duration(cnf.Redis.HistoryRetentionHours)*time.Hour))
	} else {
		a.history = history.NewMemory()
	}

	if a.notifier, err = newNotifier(ctx, cnf.Push, opts.HTTPClient); err != nil {
		return nil, err
	}
	a.client = workers.NewClient(opts.HTTPClient, workers.ClientOptions{
		Scheme:      cnf.Peer.Scheme,
		Timeout:     cnf.Peer.Timeout(),
		MaxAttempts: cnf.Peer.MaxAttempts,
		RetryDelay:  cnf.Peer.RetryDelay(),
	})

	a.supervisor = peertransit.NewSupervisor(logging.New(nil))
	a.perimeter = perimeter.New(perimeter.Options{
		Tenants:      a.supervisor,
		Keyrings:     a.keyrings,
		ACL:          a.acl,
		RateLimit:    rateLimitFor(cnf.RateLimit),
		MaxBodyBytes: int64(cnf.Server.MaxBodyMB) << 20,
		Now:          opts.Now,
	})
	ready = true
	return a, nil
}

// loadKeyrings reads <dir>/<tenant>.key for every tenant, generating and saving missing keys.
// A key expires ttl after its file was written, so restarts do not extend it. Rings retired by
// rotation live under <dir>/retired/<tenant>/.
func loadKeyrings(dir string, tenants []string, ttl time.Duration, now time.Time) (*keys.Keyrings, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	rings := keys.NewKeyrings()
	for _, tenant := range tenants {
		path := filepath.Join(dir, tenant+".key")
		ring, err := readKeyFile(path, ttl)
		switch {
		case err == nil:
			rings.Set(tenant, ring)
		case errors.Is(err, os.ErrNotExist):
			ring, err := rings.Ensure(tenant, ttl, now)
			if err != nil {
				return nil, err
			}
			if err := writeKeyFile(path, ring, now); err != nil {
				return nil, err
			}
			logrus.WithFields(logrus.Fields{"tenant": tenant, "crc": ring.CRC()}).Info("generated transit key")
		default:
			return nil, fmt.Errorf("error loading key of %s: %w", tenant, err)
		}

		retired, err := filepath.Glob(filepath.Join(dir, "retired", tenant, "*.key"))
		if err != nil {
			return nil, err
		}
		for _, path := range retired {
			ring, err := readKeyFile(path, 0)
			if err != nil {
				return nil, fmt.Errorf("error loading retired key %s: %w", path, err)
			}
			rings.Retire(tenant, ring)
		}
	}
	return rings, nil
}

func readKeyFile(path string, ttl time.Duration) (*keys.Keyring, error) {
	priv, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var expiresAt time.Time
	if ttl > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		expiresAt = info.ModTime().Add(ttl)
	}
	return keys.LoadKeyring(priv, expiresAt)
}

// writeKeyFile atomically replaces path, stamping it with the time the key was issued.
func writeKeyFile(path string, ring *keys.Keyring, issuedAt time.Time) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, ring.PrivateKey(), 0o600); err != nil {
		return err
	}
	if err := os.Chtimes(tmp, issuedAt, issuedAt); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func keyFilePersister(dir string, ttl time.Duration) keys.Persister {
	return func(identity string, next, retired *keys.Keyring) error {
		if retired != nil {
			retiredDir := filepath.Join(dir, "retired", identity)
			if err := os.MkdirAll(retiredDir, 0o700); err != nil {
				return err
			}
			name := fmt.Sprintf("%08x.key", retired.CRC())
			if err := writeKeyFile(filepath.Join(retiredDir, name), retired, retired.ExpiresAt().Add(-ttl)); err != nil {
				return err
			}
		}
		return writeKeyFile(filepath.Join(dir, identity+".key"), next, next.ExpiresAt().Add(-ttl))
	}
}

func newNotifier(ctx context.Context, conf config.PushConfig, httpClient *http.Client) (peertransit.Notifier, error) {
	switch conf.Sender {
	case "sqs":
		client, err := awssqs.New(ctx, awssqs.Options{
			Region:          conf.SQS.Region,
			Endpoint:        conf.SQS.Endpoint,
			AccessKeyID:     conf.SQS.AccessKeyID,
			SecretAccessKey: conf.SQS.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return notify.NewSQSNotifier(client, conf.SQS.QueueURL), nil
	case "webhook":
		return notify.NewWebhookNotifier(conf.WebhookURL, httpClient), nil
	case "none", "":
		return notify.Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown push sender %q", conf.Sender)
	}
}

func backoffFor(conf config.BackoffConfig) peertransit.Backoff {
	base := time.Duration(conf.BaseMs) * time.Millisecond
	var b peertransit.Backoff
	if conf.Kind == "fixed" {
		b = peertransit.Fixed(base)
	} else {
		b = peertransit.Exponential(base, conf.Factor, time.Duration(conf.MaxMs)*time.Millisecond)
	}
	return peertransit.WithJitter(b, conf.Jitter)
}

func rateLimitFor(conf config.RateLimitConfig) perimeter.RateLimit {
	var rl perimeter.RateLimit
	if conf.RequestsPerSecond != nil {
		rl.RequestsPerSecond = *conf.RequestsPerSecond
	}
	if conf.Burst != nil {
		rl.Burst = *conf.Burst
	}
	if conf.CleanupIntervalSec != nil {
		rl.CleanupInterval = time.Duration(*conf.CleanupIntervalSec) * time.Second
	}
	return rl
}

func queueOptions(conf config.QueueConfig) peertransit.Options {
	return peertransit.Options{
		BatchSize:    conf.BatchSize,
		Concurrency:  conf.Concurrency,
		PollInterval: conf.PollInterval(),
		MaxAttempts:  conf.MaxAttempts,
	}
}

func (a *app) outboxStore(tenant string) peertransit.Store {
	return a.db.Store(peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox})
}

func (a *app) inboxStore(tenant string) peertransit.Store {
	return a.db.Store(peertransit.Scope{Tenant: tenant, Box: peertransit.Inbox})
}

// runtime assembles the queues, workers and reconciliation of one tenant.
func (a *app) runtime(tenant string) peertransit.TenantRuntime {
	log := logging.New(nil).With(logrus.Fields{"tenant": tenant})
	backoff := backoffFor(a.cnf.Backoff)
	outbox := a.outboxStore(tenant)
	inbox := a.inboxStore(tenant)
	deps := workers.Deps{
		Drive:    a.drive,
		ACL:      a.acl,
		Keys:     a.keys,
		Notifier: a.notifier,
		Client:   a.client,
		Outbox:   outbox,
	}

	rt := peertransit.TenantRuntime{
		Tenant:        tenant,
		OutboxStore:   outbox,
		InboxStore:    inbox,
		OutboxWorkers: workers.OutboxRegistry(deps),
		InboxWorkers:  workers.InboxRegistry(deps),
		Outbox:        queueOptions(a.cnf.Outbox),
		Inbox:         queueOptions(a.cnf.Inbox),
		Reconcile: peertransit.ReconcilerOptions{
			Interval:    a.cnf.Reconcile.Interval(),
			RecoveryAge: a.cnf.Reconcile.RecoveryAge(),
			Logger:      log,
			Hooks:       a.hooks,
		},
	}
	for _, o := range []*peertransit.Options{&rt.Outbox, &rt.Inbox} {
		o.Backoff = backoff
		o.Logger = log
		o.Hooks = a.hooks
		o.WorkerID = a.instanceID
	}
	rt.Outbox.History = a.history
	if a.redis != nil && !a.cnf.Reconcile.DisableLock {
		rt.Reconcile.Locker = lock.NewLocker(a.redis, lock.ReconcileKey(tenant), a.instanceID)
	}
	return rt
}

func (a *app) startTenants(ctx context.Context) error {
	if _, err := a.rotator.RunOnce(ctx); err != nil {
		return err
	}
	a.rotator.Start(ctx)
	for _, tenant := range a.cnf.Tenants {
		if _, err := a.supervisor.StartTenant(ctx, a.runtime(tenant)); err != nil {
			return err
		}
	}
	return nil
}

// transmitter enqueues for tenant. Outside serve there is no processor to pulse; the
// serving process picks items up on its next poll.
func (a *app) transmitter(tenant string) *peertransit.Transmitter {
	opts := peertransit.TransmitterOptions{
		Tenant:  tenant,
		Drive:   a.drive,
		ACL:     a.acl,
		History: a.history,
		Logger:  logging.New(nil).With(logrus.Fields{"tenant": tenant}),
	}
	if store, pulser, ok := a.supervisor.Outbox(tenant); ok {
		return peertransit.NewTransmitter(store, pulser, opts)
	}
	return peertransit.NewTransmitter(a.outboxStore(tenant), nil, opts)
}

func (a *app) close() {
	if a.rotator != nil {
		a.rotator.Stop()
	}
	if a.supervisor != nil {
		a.supervisor.Stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
