package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/wire"
)

// RemoteFetcher asks the recipient's perimeter for its transit key.
type RemoteFetcher struct {
	client *http.Client
	scheme string
}

type FetcherOption func(*RemoteFetcher)

// WithScheme switches to plain http, for local development hosts.
func WithScheme(scheme string) FetcherOption {
	return func(f *RemoteFetcher) {
		if scheme != "" {
			f.scheme = scheme
		}
	}
}

func NewRemoteFetcher(client *http.Client, opts ...FetcherOption) *RemoteFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	f := &RemoteFetcher{client: client, scheme: "https"}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *RemoteFetcher) FetchPublicKey(ctx context.Context, recipient string) (peertransit.PublicKey, error) {
	url := fmt.Sprintf("%s://%s%s", f.scheme, recipient, wire.KeysPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return peertransit.PublicKey{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return peertransit.PublicKey{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return peertransit.PublicKey{}, fmt.Errorf("keys: %s answered %d", url, resp.StatusCode)
	}
	var body wire.PublicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return peertransit.PublicKey{}, fmt.Errorf("keys: malformed key response from %s: %w", recipient, err)
	}
	if len(body.PublicKey) != keySize || KeyCRC(body.PublicKey) != body.CRC {
		return peertransit.PublicKey{}, fmt.Errorf("%w: %s returned a key that does not match its crc", ErrInvalidKey, recipient)
	}
	return peertransit.PublicKey{Key: body.PublicKey, CRC: body.CRC, ExpiresAt: body.ExpiresAt}, nil
}
