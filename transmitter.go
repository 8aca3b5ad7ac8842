package peertransit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// identityPattern matches a lower-case host name with at least two labels.
var identityPattern = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// ErrSourceFileMissing is returned when the file to send no longer exists.
var ErrSourceFileMissing = errors.New("peertransit: source file missing")

// NormalizeIdentity lower-cases and trims an identity.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// ValidateIdentity checks that identity is a host name.
func ValidateIdentity(identity string) error {
	return validation.Validate(identity,
		validation.Required,
		validation.Length(3, 255),
		validation.Match(identityPattern).Error("must be a valid identity host name"),
	)
}

// FileTransferRequest fans a file out to recipients.
type FileTransferRequest struct {
	File            FileID
	Recipients      []string
	GlobalTransitID uuid.UUID
	TargetDrive     uuid.UUID
	KeyHeader       []byte
	SendPayload     bool
	IsTransient     bool
	Priority        int
	CorrelationID   string
	// Exec enqueues inside the caller's transaction when set.
	Exec Executor
}

func (r FileTransferRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.File, validation.By(func(any) error {
			if r.File.IsZero() {
				return errors.New("file is required")
			}
			return nil
		})),
		validation.Field(&r.Recipients, validation.Required),
		validation.Field(&r.TargetDrive, validation.By(notNil)),
	)
}

func (r FileTransferRequest) instructions() TransferInstructions {
	return TransferInstructions{
		GlobalTransitID: r.GlobalTransitID,
		TargetDrive:     r.TargetDrive,
		KeyHeader:       r.KeyHeader,
		SendPayload:     r.SendPayload,
		IsTransient:     r.IsTransient,
	}
}

func notNil(v any) error {
	if id, ok := v.(uuid.UUID); ok && id == uuid.Nil {
		return errors.New("cannot be blank")
	}
	return nil
}

// CommandRequest sends a command message to recipients.
type CommandRequest struct {
	// File is the local command file, hard-deleted once every recipient has it.
	File          FileID
	Recipients    []string
	TargetDrive   uuid.UUID
	Command       CommandMessage
	CorrelationID string
	Exec          Executor
}

func (r CommandRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.File, validation.By(func(any) error {
			if r.File.IsZero() {
				return errors.New("file is required")
			}
			return nil
		})),
		validation.Field(&r.Recipients, validation.Required),
		validation.Field(&r.Command, validation.By(func(any) error {
			if strings.TrimSpace(r.Command.ClientJSONMessage) == "" {
				return errors.New("client json message is required")
			}
			return nil
		})),
	)
}

// PushRequest queues a push notification for the tenant's own devices.
type PushRequest struct {
	Notification  PushNotificationInstructions
	CorrelationID string
}

// TransmitterOptions configure the enqueue path.
type TransmitterOptions struct {
	Tenant string
	// Drive, when set, is asked whether the file exists and, for feed items, for its ACL.
	Drive DriveStorage
	// ACL decides feed recipients' eligibility. Feed sends require it.
	ACL     ACL
	History TransferHistory
	Logger  Logger
}

// Transmitter is the enqueue side of the outbox: one item per recipient.
type Transmitter struct {
	store  Store
	pulser Pulser
	opts   TransmitterOptions
}

func NewTransmitter(store Store, pulser Pulser, opts TransmitterOptions) *Transmitter {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Transmitter{store: store, pulser: pulser, opts: opts}
}

// SendFile enqueues a file transfer per recipient and returns the enqueue status of each.
func (t *Transmitter) SendFile(ctx context.Context, req FileTransferRequest) (map[string]TransferStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := t.assertFileExists(ctx, req.File); err != nil {
		return nil, err
	}
	return t.fanOut(ctx, fanOutPlan{
		file:          req.File,
		recipients:    req.Recipients,
		kind:          KindFileTransfer,
		state:         req.instructions(),
		priority:      req.Priority,
		correlationID: req.CorrelationID,
		exec:          req.Exec,
	})
}

// SendFeedItem enqueues a feed distribution per recipient allowed by the file's ACL.
func (t *Transmitter) SendFeedItem(ctx context.Context, req FileTransferRequest) (map[string]TransferStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if t.opts.ACL == nil || t.opts.Drive == nil {
		return nil, errors.New("peertransit: feed distribution requires drive and acl")
	}
	if err := t.assertFileExists(ctx, req.File); err != nil {
		return nil, err
	}
	header, err := t.opts.Drive.GetServerFileHeader(ctx, t.opts.Tenant, req.File)
	if err != nil {
		return nil, fmt.Errorf("peertransit: failed to read header of %s: %w", req.File, err)
	}
	return t.fanOut(ctx, fanOutPlan{
		file:          req.File,
		recipients:    req.Recipients,
		kind:          KindFeedDistribution,
		state:         req.instructions(),
		priority:      req.Priority,
		correlationID: req.CorrelationID,
		exec:          req.Exec,
		eligible: func(ctx context.Context, recipient string) (bool, error) {
			return t.opts.ACL.IdentityHasPermission(ctx, t.opts.Tenant, recipient, header.ACL)
		},
	})
}

// SendCommand enqueues a command message per recipient.
func (t *Transmitter) SendCommand(ctx context.Context, req CommandRequest) (map[string]TransferStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cmd := req.Command
	return t.fanOut(ctx, fanOutPlan{
		file:       req.File,
		recipients: req.Recipients,
		kind:       KindCommandMessage,
		state: TransferInstructions{
			TargetDrive: req.TargetDrive,
			Command:     &cmd,
		},
		correlationID: req.CorrelationID,
		exec:          req.Exec,
	})
}

// SendPushNotification queues a notification addressed to the tenant itself.
func (t *Transmitter) SendPushNotification(ctx context.Context, req PushRequest) error {
	item, err := NewItem(t.opts.Tenant, FileID{FileID: uuid.New()}, t.opts.Tenant, KindPushNotification, req.Notification)
	if err != nil {
		return err
	}
	item.CorrelationID = req.CorrelationID
	if err := t.store.Enqueue(ctx, nil, item); err != nil {
		return fmt.Errorf("peertransit: failed to enqueue push notification: %w", err)
	}
	t.pulse()
	return nil
}

type fanOutPlan struct {
	file          FileID
	recipients    []string
	kind          PayloadKind
	state         any
	priority      int
	correlationID string
	exec          Executor
	eligible      func(ctx context.Context, recipient string) (bool, error)
}

func (t *Transmitter) fanOut(ctx context.Context, f fanOutPlan) (map[string]TransferStatus, error) {
	statuses := make(map[string]TransferStatus, len(f.recipients))
	enqueued := 0
	defer func() {
		if enqueued > 0 {
			t.pulse()
		}
	}()

	for _, raw := range f.recipients {
		recipient := NormalizeIdentity(raw)
		if _, seen := statuses[recipient]; seen {
			continue
		}
		if err := ValidateIdentity(recipient); err != nil || recipient == t.opts.Tenant {
			statuses[rawOrNormalized(raw, recipient)] = StatusInvalidRecipient
			continue
		}
		if f.eligible != nil {
			ok, err := f.eligible(ctx, recipient)
			if err != nil {
				return statuses, fmt.Errorf("peertransit: failed to check acl for %s: %w", recipient, err)
			}
			if !ok {
				statuses[recipient] = StatusRecipientDoesNotHavePermissionToFile
				continue
			}
		}

		item, err := NewItem(t.opts.Tenant, f.file, recipient, f.kind, f.state)
		if err != nil {
			return statuses, err
		}
		item.Priority = f.priority
		item.CorrelationID = f.correlationID
		if err := t.store.Enqueue(ctx, f.exec, item); err != nil {
			return statuses, fmt.Errorf("peertransit: failed to enqueue %s for %s: %w", f.kind, recipient, err)
		}
		enqueued++
		statuses[recipient] = StatusTransferKeyCreated
		t.recordCreated(ctx, f.file, recipient)
	}
	return statuses, nil
}

func (t *Transmitter) assertFileExists(ctx context.Context, file FileID) error {
	if t.opts.Drive == nil {
		return nil
	}
	ok, err := t.opts.Drive.FileExists(ctx, t.opts.Tenant, file)
	if err != nil {
		return fmt.Errorf("peertransit: failed to check %s: %w", file, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceFileMissing, file)
	}
	return nil
}

func (t *Transmitter) recordCreated(ctx context.Context, file FileID, recipient string) {
	if t.opts.History == nil {
		return
	}
	if err := t.opts.History.Record(ctx, t.opts.Tenant, file, recipient, StatusTransferKeyCreated); err != nil {
		t.opts.Logger.Warn(ctx, "history record failed file=%s peer=%s: %v", file, recipient, err)
	}
}

func (t *Transmitter) pulse() {
	if t.pulser != nil {
		t.pulser.Pulse()
	}
}

// rawOrNormalized keys invalid recipients by what the caller sent when normalizing emptied it.
func rawOrNormalized(raw, normalized string) string {
	if normalized == "" {
		return raw
	}
	return normalized
}
