// Package peertransit moves files and notifications between identity hosts through durable,
// retryable outbox and inbox queues.
package peertransit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Box identifies which queue an item lives in.
type Box string

const (
	Outbox Box = "outbox"
	Inbox  Box = "inbox"
)

// PayloadKind selects the worker that handles an item.
type PayloadKind string

const (
	KindFileTransfer     PayloadKind = "file_transfer"
	KindPushNotification PayloadKind = "push_notification"
	KindFeedDistribution PayloadKind = "feed_distribution"
	KindCommandMessage   PayloadKind = "command_message"
	KindInboxTransfer    PayloadKind = "inbox_transfer"
)

var payloadKinds = []any{
	KindFileTransfer,
	KindPushNotification,
	KindFeedDistribution,
	KindCommandMessage,
	KindInboxTransfer,
}

// FileID addresses a file on a drive.
type FileID struct {
	DriveID uuid.UUID `json:"driveId"`
	FileID  uuid.UUID `json:"fileId"`
}

func (f FileID) String() string {
	return f.DriveID.String() + "/" + f.FileID.String()
}

// IsZero reports whether neither id is set.
func (f FileID) IsZero() bool {
	return f.DriveID == uuid.Nil && f.FileID == uuid.Nil
}

// Item is a row in an outbox or inbox.
type Item struct {
	// ID is the storage row id.
	ID int64
	// Tenant is the identity owning the queue.
	Tenant string
	// Marker is the claim token; empty while the item is ready.
	Marker string
	// File is the local file driving the delivery (or the incoming file for inbox items).
	File FileID
	// Peer is the recipient for outbox items and the sender for inbox items.
	Peer string
	// Kind selects the worker.
	Kind PayloadKind
	// Priority orders pops; lower values go first.
	Priority int
	// State holds kind-specific instructions as JSON.
	State json.RawMessage
	// AttemptCount is incremented on every failed attempt.
	AttemptCount int
	// NextRunTime is the earliest time the item may be popped.
	NextRunTime time.Time
	// CreatedTime records when the item was enqueued.
	CreatedTime time.Time
	// CheckedOutAt records when the current marker was assigned.
	CheckedOutAt time.Time
	// CorrelationID ties worker logs back to the request that enqueued the item.
	CorrelationID string
}

// InFlight reports whether the item is claimed by a worker.
func (i Item) InFlight() bool {
	return i.Marker != ""
}

// Validate checks the minimal contract for inserting a row.
func (i Item) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Tenant, validation.Required),
		validation.Field(&i.Peer, validation.Required),
		validation.Field(&i.Kind, validation.Required, validation.In(payloadKinds...)),
		validation.Field(&i.File, validation.By(func(any) error {
			if i.File.IsZero() {
				return errors.New("file is required")
			}
			return nil
		})),
	)
}

// Decode unmarshals the state into the provided destination.
func (i Item) Decode(dest any) error {
	if len(i.State) == 0 {
		return fmt.Errorf("peertransit: item %d has no state", i.ID)
	}
	return json.Unmarshal(i.State, dest)
}

// NewItem builds an item whose state is the JSON encoding of state.
func NewItem(tenant string, file FileID, peer string, kind PayloadKind, state any) (Item, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return Item{}, fmt.Errorf("peertransit: failed to marshal state: %w", err)
	}
	item := Item{
		Tenant: tenant,
		File:   file,
		Peer:   peer,
		Kind:   kind,
		State:  raw,
	}
	if err := item.Validate(); err != nil {
		return Item{}, err
	}
	return item, nil
}
