package perimeter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/keys"
	"github.com/mickamy/peertransit/stores"
	"github.com/mickamy/peertransit/wire"
	"github.com/mickamy/peertransit/workers"
)

const (
	recipient = "sam.example"
	sender    = "frodo.example"
)

type pulseCounter struct {
	n atomic.Int32
}

func (p *pulseCounter) Pulse() { p.n.Add(1) }

type tenants map[string]*stores.MemoryStore

func (t tenants) Inbox(identity string) (peertransit.Store, peertransit.Pulser, bool) {
	s, ok := t[identity]
	if !ok {
		return nil, nil, false
	}
	return s, pulses, true
}

var pulses = &pulseCounter{}

type fakeACL struct {
	allowed map[string]bool
}

func (a fakeACL) CallerHasPermission(_ context.Context, _, caller string, acl peertransit.AccessControlList) (bool, error) {
	return acl.RequiredSecurityGroup == "connected" && a.allowed[caller], nil
}

func (a fakeACL) IdentityHasPermission(context.Context, string, string, peertransit.AccessControlList) (bool, error) {
	return false, nil
}

type fixture struct {
	inbox  *stores.MemoryStore
	ring   *keys.Keyring
	rings  *keys.Keyrings
	server *Server
	client *workers.Client
	http   *http.Client
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ring, err := keys.GenerateKeyring(time.UnixMilli(1_800_000_000_000).UTC())
	require.NoError(t, err)
	rings := keys.NewKeyrings()
	rings.Set(recipient, ring)

	inbox := stores.NewMemoryStore(peertransit.Scope{Tenant: recipient, Box: peertransit.Inbox})
	opts.Tenants = tenants{recipient: inbox}
	opts.Keyrings = rings
	if opts.ACL == nil {
		opts.ACL = fakeACL{allowed: map[string]bool{sender: true}}
	}
	opts.Now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	srv := New(opts)

	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Result(), nil
	})
	httpClient := &http.Client{Transport: transport}
	return &fixture{
		inbox:  inbox,
		ring:   ring,
		rings:  rings,
		server: srv,
		client: workers.NewClient(httpClient, workers.ClientOptions{MaxAttempts: 1}),
		http:   httpClient,
	}
}

func (f *fixture) sealedTransfer(t *testing.T) workers.Transfer {
	t.Helper()
	sealed, err := keys.Seal(f.ring.PublicKey(), []byte("aes key header"))
	require.NoError(t, err)
	return workers.Transfer{
		Header: wire.TransferKeyHeader{
			SenderIdentity:     sender,
			RecipientIdentity:  recipient,
			GlobalTransitID:    uuid.New(),
			DriveID:            uuid.New(),
			Kind:               peertransit.KindFileTransfer,
			EncryptedKeyHeader: sealed,
			PublicKeyCRC:       f.ring.CRC(),
		},
		Metadata: wire.Metadata{
			AppData:  []byte(`{"title":"the red book"}`),
			Payloads: []peertransit.PayloadDescriptor{{Key: "pages", ContentType: "text/plain"}},
		},
		Payloads: []workers.Payload{{
			Key: "pages",
			Open: func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("in a hole in the ground")), nil
			},
		}},
		CorrelationID: "req-9",
	}
}

func TestReceiveTransferPersistsIntoInbox(t *testing.T) {
	f := newFixture(t, Options{})
	transfer := f.sealedTransfer(t)
	before := pulses.n.Load()

	result := f.client.Send(context.Background(), recipient, transfer)
	require.NoError(t, result.Err)
	assert.Equal(t, wire.CodeAcceptedIntoInbox, result.Code)
	assert.Equal(t, peertransit.StatusDeliveredToInbox, result.Status)
	assert.Greater(t, pulses.n.Load(), before)

	items := f.inbox.Items()
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, recipient, item.Tenant)
	assert.Equal(t, sender, item.Peer)
	assert.Equal(t, peertransit.KindInboxTransfer, item.Kind)
	assert.Equal(t, transfer.Header.DriveID, item.File.DriveID)
	assert.Equal(t, "req-9", item.CorrelationID)

	var incoming peertransit.IncomingTransfer
	require.NoError(t, item.Decode(&incoming))
	assert.Equal(t, transfer.Header.InboxFile(incoming.ReceiptID), item.File)
	assert.Equal(t, transfer.Header.GlobalTransitID, incoming.GlobalTransitID)
	assert.Equal(t, transfer.Header.DriveID, incoming.TargetDrive)
	assert.Equal(t, f.ring.CRC(), incoming.PublicKeyCRC)
	require.Len(t, incoming.Payloads, 1)
	assert.Equal(t, "pages", incoming.Payloads[0].Key)
	assert.Equal(t, "text/plain", incoming.Payloads[0].ContentType)
	assert.Equal(t, "in a hole in the ground", string(incoming.Payloads[0].Data))

	var metadata wire.Metadata
	require.NoError(t, json.Unmarshal(incoming.Metadata, &metadata))
	assert.JSONEq(t, `{"title":"the red book"}`, string(metadata.AppData))

	keyHeader, err := f.ring.Open(incoming.EncryptedKeyHeader)
	require.NoError(t, err)
	assert.Equal(t, "aes key header", string(keyHeader))
}

func TestReceiveTransferKeepsEveryRevision(t *testing.T) {
	f := newFixture(t, Options{})
	transfer := f.sealedTransfer(t)

	result := f.client.Send(context.Background(), recipient, transfer)
	require.NoError(t, result.Err)

	revised := transfer
	revised.Metadata.AppData = []byte(`{"title":"there and back again"}`)
	result = f.client.Send(context.Background(), recipient, revised)
	require.NoError(t, result.Err)
	assert.Equal(t, peertransit.StatusDeliveredToInbox, result.Status)

	items := f.inbox.Items()
	require.Len(t, items, 2)
	var receipts []uuid.UUID
	var titles []string
	for _, item := range items {
		var incoming peertransit.IncomingTransfer
		require.NoError(t, item.Decode(&incoming))
		assert.Equal(t, transfer.Header.GlobalTransitID, incoming.GlobalTransitID)
		var metadata wire.Metadata
		require.NoError(t, json.Unmarshal(incoming.Metadata, &metadata))
		receipts = append(receipts, incoming.ReceiptID)
		titles = append(titles, string(metadata.AppData))
	}
	assert.NotEqual(t, receipts[0], receipts[1])
	assert.ElementsMatch(t, []string{`{"title":"the red book"}`, `{"title":"there and back again"}`}, titles)
}

func TestReceiveTransferRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, tr *workers.Transfer)
		code   wire.ResponseCode
		status peertransit.TransferStatus
	}{
		{
			name:   "stale key crc",
			mutate: func(_ *fixture, tr *workers.Transfer) { tr.Header.PublicKeyCRC++ },
			code:   wire.CodeRejectedInvalidKey,
			status: peertransit.StatusRecipientReturnedInvalidKey,
		},
		{
			name: "sealed to another key",
			mutate: func(f *fixture, tr *workers.Transfer) {
				other, _ := keys.GenerateKeyring(time.Time{})
				tr.Header.EncryptedKeyHeader, _ = keys.Seal(other.PublicKey(), []byte("aes"))
			},
			code:   wire.CodeRejectedInvalidKey,
			status: peertransit.StatusRecipientReturnedInvalidKey,
		},
		{
			name:   "sender not connected",
			mutate: func(_ *fixture, tr *workers.Transfer) { tr.Header.SenderIdentity = "gollum.example" },
			code:   wire.CodeRejectedAccessDenied,
			status: peertransit.StatusRecipientReturnedAccessDenied,
		},
		{
			name:   "missing global transit id",
			mutate: func(_ *fixture, tr *workers.Transfer) { tr.Header.GlobalTransitID = uuid.Nil },
			code:   wire.CodeRejectedMalformed,
			status: peertransit.StatusRecipientRejectedMalformed,
		},
		{
			name:   "inbox items are not transferable",
			mutate: func(_ *fixture, tr *workers.Transfer) { tr.Header.Kind = peertransit.KindInboxTransfer },
			code:   wire.CodeRejectedMalformed,
			status: peertransit.StatusRecipientRejectedMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			transfer := f.sealedTransfer(t)
			tt.mutate(f, &transfer)

			result := f.client.Send(context.Background(), recipient, transfer)
			assert.Equal(t, tt.code, result.Code)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, peertransit.OutcomeUnrecoverable, result.Outcome().Kind)
			assert.Empty(t, f.inbox.Items())
		})
	}
}

func TestReceiveTransferUnknownRecipient(t *testing.T) {
	f := newFixture(t, Options{})
	transfer := f.sealedTransfer(t)
	transfer.Header.RecipientIdentity = "bilbo.example"

	result := f.client.Send(context.Background(), "bilbo.example", transfer)
	assert.Equal(t, http.StatusNotFound, result.HTTPStatus)
	assert.Equal(t, peertransit.StatusRecipientNotFound, result.Status)
}

func TestReceiveTransferAcceptsUnencryptedFeedItems(t *testing.T) {
	f := newFixture(t, Options{})
	transfer := f.sealedTransfer(t)
	transfer.Header.Kind = peertransit.KindFeedDistribution
	transfer.Header.Unencrypted = true
	transfer.Header.EncryptedKeyHeader = []byte("plain key header")
	transfer.Header.PublicKeyCRC = 0

	result := f.client.Send(context.Background(), recipient, transfer)
	require.NoError(t, result.Err)
	assert.Len(t, f.inbox.Items(), 1)
}

func TestReceiveTransferRejectsNonMultipart(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "https://"+recipient+wire.FilesPath, strings.NewReader(`{"hello":"world"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp wire.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, wire.CodeRejectedMalformed, resp.Code)
}

func TestGetTransitKeyServesTheRemoteFetcher(t *testing.T) {
	f := newFixture(t, Options{})

	key, err := keys.NewRemoteFetcher(f.http).FetchPublicKey(context.Background(), recipient)
	require.NoError(t, err)
	assert.Equal(t, f.ring.PublicKey().Key, key.Key)
	assert.Equal(t, f.ring.CRC(), key.CRC)
	assert.True(t, f.ring.PublicKey().ExpiresAt.Equal(key.ExpiresAt))

	_, err = keys.NewRemoteFetcher(f.http).FetchPublicKey(context.Background(), "bilbo.example")
	assert.Error(t, err)
}

func TestReceiveTransferAcceptsRetiredKeyAfterRotation(t *testing.T) {
	f := newFixture(t, Options{})
	transfer := f.sealedTransfer(t)

	next, err := keys.GenerateKeyring(f.ring.ExpiresAt().Add(720 * time.Hour))
	require.NoError(t, err)
	assert.Same(t, f.ring, f.rings.Rotate(recipient, next))

	published, err := keys.NewRemoteFetcher(f.http).FetchPublicKey(context.Background(), recipient)
	require.NoError(t, err)
	assert.Equal(t, next.CRC(), published.CRC)

	result := f.client.Send(context.Background(), recipient, transfer)
	require.NoError(t, result.Err)
	assert.Equal(t, wire.CodeAcceptedIntoInbox, result.Code)

	sealed, err := keys.Seal(next.PublicKey(), []byte("aes key header"))
	require.NoError(t, err)
	fresh := f.sealedTransfer(t)
	fresh.Header.EncryptedKeyHeader = sealed
	fresh.Header.PublicKeyCRC = next.CRC()
	result = f.client.Send(context.Background(), recipient, fresh)
	require.NoError(t, result.Err)
	assert.Len(t, f.inbox.Items(), 2)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimit: RateLimit{RequestsPerSecond: 1, Burst: 1}})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://"+recipient+"/health", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
