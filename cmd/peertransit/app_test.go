package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/config"
	"github.com/mickamy/peertransit/internal/metrics"
	"github.com/mickamy/peertransit/keys"
	"github.com/mickamy/peertransit/notify"
	"github.com/mickamy/peertransit/stores"
)

const (
	frodo = "frodo.example"
	sam   = "sam.example"
)

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	dir := t.TempDir()
	raw := map[string]any{
		"tenants":     []string{frodo, sam},
		"data_source": map[string]any{"dns": "memory://"},
		"outbox":      map[string]any{"poll_interval_ms": 20},
		"inbox":       map[string]any{"poll_interval_ms": 20},
		"backoff":     map[string]any{"kind": "fixed", "base_ms": 20},
		"peer":        map[string]any{"scheme": "http", "retry_delay_ms": 10},
		"keys":        map[string]any{"dir": filepath.Join(dir, "keys")},
		"drive": map[string]any{
			"root": filepath.Join(dir, "drives"),
			"connections": map[string][]string{
				frodo: {sam},
				sam:   {frodo},
			},
		},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	file := filepath.Join(dir, "peertransit.json")
	require.NoError(t, os.WriteFile(file, data, 0o600))

	cnf, err := config.Load(file)
	require.NoError(t, err)
	return cnf
}

// loopback routes every outbound request into the app's own perimeter, so both tenants talk over http.
func loopback(handler *http.Handler) *http.Client {
	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		(*handler).ServeHTTP(rec, req)
		return rec.Result(), nil
	})
	return &http.Client{Transport: transport}
}

func TestServeDeliversFilesBetweenTenants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cnf := testConfig(t)

	var handler http.Handler
	a, err := newApp(ctx, cnf, appOptions{
		HTTPClient: loopback(&handler),
		Hooks:      metrics.NewStatsHook(fmt.Sprintf("test_%d", time.Now().UnixNano())),
	})
	require.NoError(t, err)
	defer a.close()
	handler = a.perimeter.Handler()
	require.NoError(t, a.startTenants(ctx))
	assert.Equal(t, []string{frodo, sam}, a.supervisor.Tenants())

	file := peertransit.FileID{DriveID: uuid.New(), FileID: uuid.New()}
	gtid := uuid.New()
	require.NoError(t, a.drive.Put(ctx, frodo, peertransit.FileHeader{
		File:              file,
		GlobalTransitID:   gtid,
		Metadata:          []byte(`{"title":"the red book"}`),
		AllowDistribution: true,
		Payloads:          []peertransit.PayloadDescriptor{{Key: "pages", ContentType: "text/plain"}},
	}, map[string][]byte{"pages": []byte("in a hole in the ground")}))

	targetDrive := uuid.New()
	statuses, err := a.transmitter(frodo).SendFile(ctx, peertransit.FileTransferRequest{
		File:        file,
		Recipients:  []string{sam, "not a host"},
		TargetDrive: targetDrive,
		KeyHeader:   []byte("aes key header"),
		SendPayload: true,
	})
	require.NoError(t, err)
	assert.Equal(t, peertransit.StatusTransferKeyCreated, statuses[sam])
	assert.Equal(t, peertransit.StatusInvalidRecipient, statuses["not a host"])

	received := peertransit.FileID{DriveID: targetDrive, FileID: gtid}
	require.Eventually(t, func() bool {
		ok, err := a.drive.FileExists(ctx, sam, received)
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)

	rc, err := a.drive.OpenPayload(ctx, sam, received, "pages")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "in a hole in the ground", string(data))

	require.Eventually(t, func() bool {
		records, err := a.history.Get(ctx, frodo, file)
		return err == nil && records[sam].Status == peertransit.StatusDeliveredToInbox
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := a.inboxStore(sam).Status(ctx)
		return err == nil && st.Total == 0
	}, 5*time.Second, 20*time.Millisecond)
	st, err := a.outboxStore(frodo).Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestLoadKeyringsPersistsKeys(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMilli(1_700_000_000_000)

	first, err := loadKeyrings(dir, []string{frodo}, time.Hour, now)
	require.NoError(t, err)
	ring, err := first.Get(frodo)
	require.NoError(t, err)
	assert.True(t, now.Add(time.Hour).Equal(ring.ExpiresAt()))

	second, err := loadKeyrings(dir, []string{frodo}, time.Hour, now.Add(time.Minute))
	require.NoError(t, err)
	again, err := second.Get(frodo)
	require.NoError(t, err)
	assert.Equal(t, ring.CRC(), again.CRC())
	assert.Equal(t, ring.PublicKey().Key, again.PublicKey().Key)
	assert.True(t, now.Add(time.Hour).Equal(again.ExpiresAt()), "a restart keeps the original expiry")

	require.NoError(t, os.WriteFile(filepath.Join(dir, sam+".key"), []byte("short"), 0o600))
	_, err = loadKeyrings(dir, []string{sam}, time.Hour, now)
	assert.Error(t, err)
}

func TestKeyRotationIsPersisted(t *testing.T) {
	dir := t.TempDir()
	issued := time.UnixMilli(1_700_000_000_000)
	rings, err := loadKeyrings(dir, []string{frodo}, time.Hour, issued)
	require.NoError(t, err)
	old, err := rings.Get(frodo)
	require.NoError(t, err)
	sealed, err := keys.Seal(old.PublicKey(), []byte("aes key header"))
	require.NoError(t, err)

	later := issued.Add(2 * time.Hour)
	assert.True(t, old.PublicKey().Expired(later))
	rotator := keys.NewRotator(rings, keys.RotatorOptions{
		TTL:     time.Hour,
		Persist: keyFilePersister(dir, time.Hour),
		Now:     func() time.Time { return later },
	})
	rotated, err := rotator.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{frodo}, rotated)
	current, err := rings.Get(frodo)
	require.NoError(t, err)

	restarted, err := loadKeyrings(dir, []string{frodo}, time.Hour, later.Add(time.Minute))
	require.NoError(t, err)
	ring, err := restarted.Get(frodo)
	require.NoError(t, err)
	assert.Equal(t, current.CRC(), ring.CRC())
	assert.True(t, later.Add(time.Hour).Equal(ring.ExpiresAt()))
	assert.False(t, ring.PublicKey().Expired(later.Add(time.Minute)))

	retired, err := restarted.Find(frodo, old.CRC())
	require.NoError(t, err)
	opened, err := retired.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "aes key header", string(opened))
}

func TestBackoffFor(t *testing.T) {
	fixed := backoffFor(config.BackoffConfig{Kind: "fixed", BaseMs: 250})
	assert.Equal(t, 250*time.Millisecond, fixed(1))
	assert.Equal(t, 250*time.Millisecond, fixed(7))

	exp := backoffFor(config.BackoffConfig{Kind: "exponential", BaseMs: 100, Factor: 2, MaxMs: 1000})
	assert.Equal(t, 100*time.Millisecond, exp(1))
	assert.Equal(t, 200*time.Millisecond, exp(2))
	assert.Equal(t, time.Second, exp(10))

	jittered := backoffFor(config.BackoffConfig{Kind: "fixed", BaseMs: 100, Jitter: 0.5})
	d := jittered(1)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.LessOrEqual(t, d, 150*time.Millisecond)
}

func TestNewNotifier(t *testing.T) {
	ctx := context.Background()

	n, err := newNotifier(ctx, config.PushConfig{Sender: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, notify.Discard{}, n)

	n, err = newNotifier(ctx, config.PushConfig{Sender: "webhook", WebhookURL: "https://push.example/hook"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &notify.WebhookNotifier{}, n)

	n, err = newNotifier(ctx, config.PushConfig{Sender: "sqs", SQS: config.SQSConfig{
		Endpoint:        "http://localhost:4566",
		QueueURL:        "http://localhost:4566/000000000000/push",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &notify.SQSNotifier{}, n)

	_, err = newNotifier(ctx, config.PushConfig{Sender: "pigeon"}, nil)
	assert.Error(t, err)
}

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()
	db, err := stores.Open("memory://")
	require.NoError(t, err)
	defer db.Close()

	item, err := peertransit.NewItem(frodo, peertransit.FileID{DriveID: uuid.New(), FileID: uuid.New()}, sam,
		peertransit.KindFileTransfer, peertransit.TransferInstructions{TargetDrive: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, db.Store(peertransit.Scope{Tenant: frodo, Box: peertransit.Outbox}).Enqueue(ctx, nil, item))

	var out bytes.Buffer
	require.NoError(t, printStatus(ctx, &out, db, []string{frodo}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"TENANT", "BOX", "TOTAL", "IN", "FLIGHT", "NEXT", "RUN"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{frodo, "outbox", "1", "0"}, strings.Fields(lines[1])[:4])
	assert.Equal(t, []string{frodo, "inbox", "0", "0", "-"}, strings.Fields(lines[2]))
}

func TestPrintStatuses(t *testing.T) {
	var out bytes.Buffer
	printStatuses(&out, map[string]peertransit.TransferStatus{
		sam:             peertransit.StatusTransferKeyCreated,
		"merry.example": peertransit.StatusRecipientDoesNotHavePermissionToFile,
	})
	assert.Equal(t, "merry.example\t"+string(peertransit.StatusRecipientDoesNotHavePermissionToFile)+"\n"+
		sam+"\t"+string(peertransit.StatusTransferKeyCreated)+"\n", out.String())
}
