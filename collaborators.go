package peertransit

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// PublicKey is a recipient's current transit key.
type PublicKey struct {
	Key       []byte
	CRC       uint32
	ExpiresAt time.Time
}

// Expired reports whether the key must be refetched.
func (k PublicKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// EncryptedPayload is ciphertext sealed for a recipient along with the crc of the key used.
type EncryptedPayload struct {
	Ciphertext []byte
	KeyCRC     uint32
}

// KeyProvider supplies recipient keys and encrypts for them.
type KeyProvider interface {
	GetRecipientPublicKey(ctx context.Context, recipient string) (PublicKey, error)
	InvalidateKey(ctx context.Context, recipient string) error
	EncryptPayloadForRecipient(ctx context.Context, recipient string, plaintext []byte) (EncryptedPayload, error)
}

// AccessControlList is the subset of a file's ACL needed for distribution decisions.
type AccessControlList struct {
	RequiredSecurityGroup string      `json:"requiredSecurityGroup"`
	CircleIDs             []uuid.UUID `json:"circleIds,omitempty"`
	OdinIDs               []string    `json:"odinIds,omitempty"`
}

// PayloadDescriptor names one payload stream of a file.
type PayloadDescriptor struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// FileHeader is the server-side header of a drive file.
type FileHeader struct {
	File              FileID              `json:"file"`
	GlobalTransitID   uuid.UUID           `json:"globalTransitId"`
	Metadata          []byte              `json:"metadata"`
	AllowDistribution bool                `json:"allowDistribution"`
	ACL               AccessControlList   `json:"acl"`
	Payloads          []PayloadDescriptor `json:"payloads,omitempty"`
}

// IncomingPayload is one received payload stream.
type IncomingPayload struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// IncomingTransfer is the inbox state of a file received from a peer.
type IncomingTransfer struct {
	// ReceiptID is a time-ordered id assigned on arrival; a later receipt supersedes an earlier one.
	ReceiptID          uuid.UUID         `json:"receiptId"`
	Sender             string            `json:"sender"`
	GlobalTransitID    uuid.UUID         `json:"globalTransitId"`
	TargetDrive        uuid.UUID         `json:"targetDrive"`
	Kind               PayloadKind       `json:"kind"`
	EncryptedKeyHeader []byte            `json:"encryptedKeyHeader,omitempty"`
	PublicKeyCRC       uint32            `json:"publicKeyCrc"`
	Metadata           []byte            `json:"metadata"`
	Payloads           []IncomingPayload `json:"payloads,omitempty"`
	ReceivedAt         time.Time         `json:"receivedAt"`
}

// DriveStorage is the drive collaborator.
type DriveStorage interface {
	FileExists(ctx context.Context, tenant string, file FileID) (bool, error)
	GetServerFileHeader(ctx context.Context, tenant string, file FileID) (FileHeader, error)
	OpenPayload(ctx context.Context, tenant string, file FileID, key string) (io.ReadCloser, error)
	HardDeleteFile(ctx context.Context, tenant string, file FileID) error
	// ApplyIncomingTransfer writes a received file locally. It is idempotent by global transit id.
	ApplyIncomingTransfer(ctx context.Context, tenant string, transfer IncomingTransfer) error
}

// ACL answers circle and permission questions.
type ACL interface {
	CallerHasPermission(ctx context.Context, tenant, caller string, acl AccessControlList) (bool, error)
	IdentityHasPermission(ctx context.Context, tenant, identity string, acl AccessControlList) (bool, error)
}

// PushNotification is handed to the notification service.
type PushNotification struct {
	Tenant    string    `json:"tenant"`
	Sender    string    `json:"sender"`
	AppID     uuid.UUID `json:"appId"`
	TypeID    uuid.UUID `json:"typeId"`
	TagID     uuid.UUID `json:"tagId"`
	Silent    bool      `json:"silent"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier relays push notifications.
type Notifier interface {
	Push(ctx context.Context, notification PushNotification) error
}

// HistoryRecord is the latest status for one recipient of a file.
type HistoryRecord struct {
	Status    TransferStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TransferHistory stores per-recipient transfer status, overwritten by key.
type TransferHistory interface {
	Record(ctx context.Context, tenant string, file FileID, recipient string, status TransferStatus) error
	Get(ctx context.Context, tenant string, file FileID) (map[string]HistoryRecord, error)
}

// Pulser wakes a processor loop.
type Pulser interface {
	Pulse()
}
