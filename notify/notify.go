// Package notify relays push notifications to the notification service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sirupsen/logrus"

	"github.com/mickamy/peertransit"
)

// SQSAPI is the subset of the SQS client used to publish notifications.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier publishes each notification as a JSON message (works with LocalStack).
type SQSNotifier struct {
	queueURL string
	client   SQSAPI
}

var _ peertransit.Notifier = (*SQSNotifier)(nil)

func NewSQSNotifier(client SQSAPI, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL}
}

func (s *SQSNotifier) Push(ctx context.Context, n peertransit.PushNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant": {DataType: aws.String("String"), StringValue: aws.String(n.Tenant)},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: sqs send for %s: %w", n.Tenant, err)
	}
	return nil
}

// WebhookNotifier posts notifications to an HTTP endpoint.
type WebhookNotifier struct {
	client *http.Client
	target string
}

var _ peertransit.Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(target string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookNotifier{target: target, client: client}
}

func (w *WebhookNotifier) Push(ctx context.Context, n peertransit.PushNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func(Body io.ReadCloser) { _ = Body.Close() }(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook responded with %s", resp.Status)
	}
	return nil
}

// Discard drops notifications, logging them at debug level.
type Discard struct{}

func (Discard) Push(_ context.Context, n peertransit.PushNotification) error {
	logrus.WithFields(logrus.Fields{"tenant": n.Tenant, "sender": n.Sender, "app": n.AppID}).Debug("push notification discarded")
	return nil
}
