package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/wire"
)

// Deps are the collaborators shared by a tenant's workers.
type Deps struct {
	Drive    peertransit.DriveStorage
	ACL      peertransit.ACL
	Keys     peertransit.KeyProvider
	Notifier peertransit.Notifier
	Client   *Client
	// Outbox counts remaining rows before a transient or command file is deleted.
	Outbox peertransit.Store
}

// OutboxRegistry wires every outbox payload kind.
func OutboxRegistry(d Deps) peertransit.Registry {
	return peertransit.Registry{
		peertransit.KindFileTransfer:     &FileTransferWorker{deps: d},
		peertransit.KindFeedDistribution: &FeedDistributionWorker{deps: d},
		peertransit.KindCommandMessage:   &CommandMessageWorker{deps: d},
		peertransit.KindPushNotification: &PushNotificationWorker{deps: d},
	}
}

// InboxRegistry wires the inbox apply worker.
func InboxRegistry(d Deps) peertransit.Registry {
	return peertransit.Registry{
		peertransit.KindInboxTransfer: &InboxApplyWorker{deps: d},
	}
}

func NewFileTransferWorker(d Deps) *FileTransferWorker { return &FileTransferWorker{deps: d} }

func NewFeedDistributionWorker(d Deps) *FeedDistributionWorker {
	return &FeedDistributionWorker{deps: d}
}

func NewCommandMessageWorker(d Deps) *CommandMessageWorker { return &CommandMessageWorker{deps: d} }

func NewPushNotificationWorker(d Deps) *PushNotificationWorker {
	return &PushNotificationWorker{deps: d}
}

func NewInboxApplyWorker(d Deps) *InboxApplyWorker { return &InboxApplyWorker{deps: d} }

func itemLog(item peertransit.Item) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"tenant":         item.Tenant,
		"peer":           item.Peer,
		"kind":           item.Kind,
		"file":           item.File.String(),
		"attempt":        item.AttemptCount,
		"correlation_id": item.CorrelationID,
	})
}

func corrupt(item peertransit.Item, err error) peertransit.Outcome {
	itemLog(item).WithError(err).Error("cannot decode item state")
	return peertransit.Abandon(peertransit.StatusUnknownServerError, fmt.Sprintf("corrupt state: %v", err))
}

// FileTransferWorker sends a drive file to one recipient.
type FileTransferWorker struct {
	deps Deps
}

func (w *FileTransferWorker) Process(ctx context.Context, item peertransit.Item) peertransit.Outcome {
	var instr peertransit.TransferInstructions
	if err := item.Decode(&instr); err != nil {
		return corrupt(item, err)
	}
	header, outcome, ok := loadSource(ctx, w.deps.Drive, item)
	if !ok {
		return outcome
	}
	return sendSealed(ctx, w.deps, item, instr, header)
}

// AfterComplete hard-deletes a transient file once no recipient is left.
func (w *FileTransferWorker) AfterComplete(ctx context.Context, item peertransit.Item) {
	var instr peertransit.TransferInstructions
	if err := item.Decode(&instr); err != nil || !instr.IsTransient {
		return
	}
	cleanup(ctx, w.deps, item)
}

// FeedDistributionWorker sends a public feed item to a follower.
type FeedDistributionWorker struct {
	deps Deps
}

func (w *FeedDistributionWorker) Process(ctx context.Context, item peertransit.Item) peertransit.Outcome {
	var instr peertransit.TransferInstructions
	if err := item.Decode(&instr); err != nil {
		return corrupt(item, err)
	}
	header, outcome, ok := loadSource(ctx, w.deps.Drive, item)
	if !ok {
		return outcome
	}
	if w.deps.ACL == nil {
		return peertransit.Abandon(peertransit.StatusRecipientDoesNotHavePermissionToFile, "no acl service configured")
	}
	allowed, err := w.deps.ACL.IdentityHasPermission(ctx, item.Tenant, item.Peer, header.ACL)
	if err != nil {
		return peertransit.Retry(peertransit.StatusUnknownServerError, time.Time{}, fmt.Sprintf("acl check: %v", err))
	}
	if !allowed {
		itemLog(item).Info("feed recipient no longer allowed by the file acl")
		return peertransit.Abandon(peertransit.StatusRecipientDoesNotHavePermissionToFile, "recipient is not allowed by the file acl")
	}

	t := buildTransfer(w.deps.Drive, item, instr, header)
	t.Header.EncryptedKeyHeader = instr.KeyHeader
	t.Header.Unencrypted = true
	return w.deps.Client.Send(ctx, item.Peer, t).Outcome()
}

// CommandMessageWorker sends a command message and removes the command file once delivered everywhere.
type CommandMessageWorker struct {
	deps Deps
}

func (w *CommandMessageWorker) Process(ctx context.Context, item peertransit.Item) peertransit.Outcome {
	var instr peertransit.TransferInstructions
	if err := item.Decode(&instr); err != nil {
		return corrupt(item, err)
	}
	if instr.Command == nil {
		return corrupt(item, errors.New("command message without command"))
	}
	drive := instr.TargetDrive
	if drive == uuid.Nil {
		drive = item.File.DriveID
	}
	t := Transfer{
		Header: wire.TransferKeyHeader{
			SenderIdentity:    item.Tenant,
			RecipientIdentity: item.Peer,
			GlobalTransitID:   item.File.FileID,
			DriveID:           drive,
			Kind:              peertransit.KindCommandMessage,
			Unencrypted:       true,
		},
		Metadata:      wire.Metadata{Command: instr.Command},
		CorrelationID: item.CorrelationID,
	}
	return w.deps.Client.Send(ctx, item.Peer, t).Outcome()
}

func (w *CommandMessageWorker) AfterComplete(ctx context.Context, item peertransit.Item) {
	cleanup(ctx, w.deps, item)
}

// PushNotificationWorker hands notifications to the notification service. It never retries.
type PushNotificationWorker struct {
	deps Deps
}

func (w *PushNotificationWorker) Process(ctx context.Context, item peertransit.Item) peertransit.Outcome {
	var instr peertransit.PushNotificationInstructions
	if err := item.Decode(&instr); err != nil {
		itemLog(item).WithError(err).Error("cannot decode push notification")
		return peertransit.Abandon("", fmt.Sprintf("corrupt state: %v", err))
	}
	if w.deps.Notifier == nil {
		return peertransit.Abandon("", "no notifier configured")
	}
	n := peertransit.PushNotification{
		Tenant:    item.Tenant,
		Sender:    item.Tenant,
		AppID:     instr.AppID,
		TypeID:    instr.TypeID,
		TagID:     instr.TagID,
		Silent:    instr.Silent,
		Body:      instr.Body,
		Timestamp: item.CreatedTime,
	}
	if err := w.deps.Notifier.Push(ctx, n); err != nil {
		itemLog(item).WithError(err).Warn("push notification dropped")
		return peertransit.Abandon("", err.Error())
	}
	return peertransit.Delivered("")
}

// InboxApplyWorker writes a received transfer into the local drive.
type InboxApplyWorker struct {
	deps Deps
}

func (w *InboxApplyWorker) Process(ctx context.Context, item peertransit.Item) peertransit.Outcome {
	var transfer peertransit.IncomingTransfer
	if err := item.Decode(&transfer); err != nil {
		return corrupt(item, err)
	}
	err := w.deps.Drive.ApplyIncomingTransfer(ctx, item.Tenant, transfer)
	switch {
	case err == nil:
		return peertransit.Delivered(peertransit.StatusDelivered)
	case errors.Is(err, peertransit.ErrUnrecoverable):
		itemLog(item).WithError(err).Error("incoming transfer rejected")
		return peertransit.Abandon(peertransit.StatusRecipientRejectedMalformed, err.Error())
	default:
		return peertransit.Retry(peertransit.StatusUnknownServerError, time.Time{}, err.Error())
	}
}

// loadSource checks the file still exists and may be distributed.
func loadSource(ctx context.Context, drive peertransit.DriveStorage, item peertransit.Item) (peertransit.FileHeader, peertransit.Outcome, bool) {
	exists, err := drive.FileExists(ctx, item.Tenant, item.File)
	if err != nil {
		return peertransit.FileHeader{}, peertransit.Retry(peertransit.StatusUnknownServerError, time.Time{}, err.Error()), false
	}
	if !exists {
		return peertransit.FileHeader{}, peertransit.Abandon(peertransit.StatusSourceFileMissing, "source file no longer exists"), false
	}
	header, err := drive.GetServerFileHeader(ctx, item.Tenant, item.File)
	if err != nil {
		return peertransit.FileHeader{}, peertransit.Retry(peertransit.StatusUnknownServerError, time.Time{}, err.Error()), false
	}
	if !header.AllowDistribution {
		return peertransit.FileHeader{}, peertransit.Abandon(peertransit.StatusFileDoesNotAllowDistribution, "file does not allow distribution"), false
	}
	return header, peertransit.Outcome{}, true
}

func buildTransfer(drive peertransit.DriveStorage, item peertransit.Item, instr peertransit.TransferInstructions, header peertransit.FileHeader) Transfer {
	gtid := instr.GlobalTransitID
	if gtid == uuid.Nil {
		gtid = header.GlobalTransitID
	}
	t := Transfer{
		Header: wire.TransferKeyHeader{
			SenderIdentity:    item.Tenant,
			RecipientIdentity: item.Peer,
			GlobalTransitID:   gtid,
			DriveID:           instr.TargetDrive,
			Kind:              item.Kind,
		},
		Metadata:      wire.Metadata{AppData: header.Metadata},
		CorrelationID: item.CorrelationID,
	}
	if !instr.SendPayload {
		return t
	}
	t.Metadata.Payloads = header.Payloads
	for _, p := range header.Payloads {
		t.Payloads = append(t.Payloads, Payload{
			Key: p.Key,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return drive.OpenPayload(ctx, item.Tenant, item.File, p.Key)
			},
		})
	}
	return t
}

// sendSealed encrypts the key header for the recipient and resends once with a fresh key when the
// recipient reports the one used as stale.
func sendSealed(ctx context.Context, d Deps, item peertransit.Item, instr peertransit.TransferInstructions, header peertransit.FileHeader) peertransit.Outcome {
	t := buildTransfer(d.Drive, item, instr, header)

	var result Result
	for round := 0; round < 2; round++ {
		sealed, err := d.Keys.EncryptPayloadForRecipient(ctx, item.Peer, instr.KeyHeader)
		if err != nil {
			return peertransit.Retry(peertransit.StatusRecipientServerNotResponding, time.Time{}, fmt.Sprintf("recipient key: %v", err))
		}
		t.Header.EncryptedKeyHeader = sealed.Ciphertext
		t.Header.PublicKeyCRC = sealed.KeyCRC

		result = d.Client.Send(ctx, item.Peer, t)
		if result.Code != wire.CodeRejectedInvalidKey || round == 1 {
			break
		}
		itemLog(item).WithField("crc", sealed.KeyCRC).Info("recipient rejected transit key, refreshing")
		if err := d.Keys.InvalidateKey(ctx, item.Peer); err != nil {
			itemLog(item).WithError(err).Warn("failed to invalidate recipient key")
		}
	}
	return result.Outcome()
}

func cleanup(ctx context.Context, d Deps, item peertransit.Item) {
	if d.Outbox == nil || d.Drive == nil {
		return
	}
	remaining, err := d.Outbox.CountForFile(ctx, item.File)
	if err != nil {
		itemLog(item).WithError(err).Warn("cannot count remaining recipients")
		return
	}
	if remaining > 0 {
		return
	}
	if err := d.Drive.HardDeleteFile(ctx, item.Tenant, item.File); err != nil {
		itemLog(item).WithError(err).Warn("failed to delete file after delivery")
		return
	}
	itemLog(item).Info("file deleted after its last delivery")
}
