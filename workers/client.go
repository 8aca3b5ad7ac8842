// Package workers holds the payload workers that move queue items between hosts.
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/wire"
)

// Payload is one payload stream of a transfer. Open is called once per attempt.
type Payload struct {
	Key  string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// Transfer is everything posted to a recipient's perimeter.
type Transfer struct {
	Header        wire.TransferKeyHeader
	Metadata      wire.Metadata
	Payloads      []Payload
	CorrelationID string
}

// Result is the classified answer of a recipient.
type Result struct {
	// Code is empty when the recipient did not answer with a perimeter response.
	Code       wire.ResponseCode
	HTTPStatus int
	Status     peertransit.TransferStatus
	Err        error
}

// Outcome converts the result into a processor outcome.
func (r Result) Outcome() peertransit.Outcome {
	reason := ""
	if r.Err != nil {
		reason = r.Err.Error()
	}
	return peertransit.FromStatus(r.Status, reason)
}

// ClientOptions tune the perimeter client.
type ClientOptions struct {
	// Scheme is https unless a local deployment runs plain http.
	Scheme string
	// Timeout bounds every attempt.
	Timeout time.Duration
	// MaxAttempts is the number of tries within one worker invocation.
	MaxAttempts int
	// RetryDelay separates tries.
	RetryDelay time.Duration
}

func (o *ClientOptions) setDefaults() {
	if o.Scheme == "" {
		o.Scheme = "https"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
}

// Client posts transfers to peer perimeters.
type Client struct {
	http *http.Client
	opts ClientOptions
}

func NewClient(httpClient *http.Client, opts ClientOptions) *Client {
	opts.setDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{http: httpClient, opts: opts}
}

// Send posts t to recipient, retrying transient failures with a constant delay.
func (c *Client) Send(ctx context.Context, recipient string, t Transfer) Result {
	url := fmt.Sprintf("%s://%s%s", c.opts.Scheme, recipient, wire.FilesPath)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), uint64(c.opts.MaxAttempts-1)),
		ctx,
	)

	var result Result
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		result = c.post(ctx, url, t)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if result.Status.Classify() == peertransit.Recoverable {
			logrus.WithFields(logrus.Fields{
				"recipient":      recipient,
				"attempt":        attempt,
				"status":         result.Status,
				"correlation_id": t.CorrelationID,
			}).Warn("transfer attempt failed")
			return errTransient
		}
		return nil
	}, policy)
	if err != nil && ctx.Err() != nil {
		result.Err = ctx.Err()
	}
	return result
}

var errTransient = errors.New("transient transfer failure")

func (c *Client) post(ctx context.Context, url string, t Transfer) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	body, contentType, err := encode(attemptCtx, t)
	if err != nil {
		return Result{Status: peertransit.StatusUnknownServerError, Err: err}
	}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, body)
	if err != nil {
		return Result{Status: peertransit.StatusRecipientRejectedMalformed, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if t.CorrelationID != "" {
		req.Header.Set(wire.CorrelationHeader, t.CorrelationID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Status: peertransit.StatusRecipientServerNotResponding, Err: err}
	}
	defer func(Body io.ReadCloser) { _ = Body.Close() }(resp.Body)

	var answer wire.Response
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &answer)
	return classify(resp.StatusCode, answer)
}

// classify maps an HTTP answer to a transfer status.
func classify(statusCode int, answer wire.Response) Result {
	r := Result{Code: answer.Code, HTTPStatus: statusCode}
	switch {
	case statusCode >= 200 && statusCode < 300 && answer.Code.Accepted():
		r.Status = answer.Code.TransferStatus()
		return r
	case statusCode >= 200 && statusCode < 300:
		// not a perimeter answer, e.g. a proxy or parking page
		r.Status = peertransit.StatusUnknownServerError
	case statusCode == http.StatusRequestTimeout:
		r.Status = peertransit.StatusRecipientServerNotResponding
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		r.Status = peertransit.StatusRecipientServerError
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		r.Status = peertransit.StatusRecipientReturnedAccessDenied
	case statusCode == http.StatusNotFound:
		r.Status = peertransit.StatusRecipientNotFound
	case answer.Code == wire.CodeRejectedInvalidKey:
		r.Status = peertransit.StatusRecipientReturnedInvalidKey
	default:
		r.Status = peertransit.StatusRecipientRejectedMalformed
	}
	msg := answer.Message
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	r.Err = fmt.Errorf("recipient answered %d %s: %s", statusCode, answer.Code, msg)
	return r
}

// encode writes the header, metadata and payload parts in order.
func encode(ctx context.Context, t Transfer) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := writeJSONPart(w, wire.PartHeader, t.Header); err != nil {
		return nil, "", err
	}
	if err := writeJSONPart(w, wire.PartMetadata, t.Metadata); err != nil {
		return nil, "", err
	}
	for _, p := range t.Payloads {
		if err := writePayload(ctx, w, p); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func writeJSONPart(w *multipart.Writer, name string, v any) error {
	part, err := w.CreateFormField(name)
	if err != nil {
		return err
	}
	return json.NewEncoder(part).Encode(v)
}

func writePayload(ctx context.Context, w *multipart.Writer, p Payload) error {
	rc, err := p.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open payload %s: %w", p.Key, err)
	}
	defer func(rc io.ReadCloser) { _ = rc.Close() }(rc)
	part, err := w.CreateFormFile(wire.PartPayload, p.Key)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, rc)
	return err
}
