// Package wire holds the host-to-host transfer contract shared by the sending workers and the perimeter.
package wire

import (
	"errors"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/mickamy/peertransit"
)

const (
	FilesPath = "/api/perimeter/v1/transit/files"
	KeysPath  = "/api/perimeter/v1/keys/transit"

	// CorrelationHeader carries the enqueuing request's correlation id to the recipient.
	CorrelationHeader = "X-Correlation-Id"
)

// Multipart part names of a transfer, in the order they are written.
const (
	PartHeader   = "header"
	PartMetadata = "metadata"
	PartPayload  = "payload"
)

// ResponseCode is the recipient's verdict on a transfer.
type ResponseCode string

const (
	CodeAcceptedDirectWrite  ResponseCode = "accepted_direct_write"
	CodeAcceptedIntoInbox    ResponseCode = "accepted_into_inbox"
	CodeRejectedAccessDenied ResponseCode = "rejected_access_denied"
	CodeRejectedInvalidKey   ResponseCode = "rejected_invalid_key"
	CodeRejectedMalformed    ResponseCode = "rejected_malformed"
)

// HTTPStatus is the status code a perimeter answers with for code.
func (c ResponseCode) HTTPStatus() int {
	switch c {
	case CodeAcceptedDirectWrite, CodeAcceptedIntoInbox:
		return http.StatusOK
	case CodeRejectedAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// Accepted reports whether the recipient took the transfer.
func (c ResponseCode) Accepted() bool {
	return c == CodeAcceptedDirectWrite || c == CodeAcceptedIntoInbox
}

// TransferStatus maps an accepted code to the delivery status recorded in history.
func (c ResponseCode) TransferStatus() peertransit.TransferStatus {
	switch c {
	case CodeAcceptedDirectWrite:
		return peertransit.StatusDelivered
	case CodeAcceptedIntoInbox:
		return peertransit.StatusDeliveredToInbox
	case CodeRejectedAccessDenied:
		return peertransit.StatusRecipientReturnedAccessDenied
	case CodeRejectedInvalidKey:
		return peertransit.StatusRecipientReturnedInvalidKey
	default:
		return peertransit.StatusRecipientRejectedMalformed
	}
}

// Response is the JSON body of every perimeter answer.
type Response struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message,omitempty"`
}

// TransferKeyHeader is the first part of a transfer.
type TransferKeyHeader struct {
	SenderIdentity    string                  `json:"senderIdentity"`
	RecipientIdentity string                  `json:"recipientIdentity"`
	GlobalTransitID   uuid.UUID               `json:"globalTransitId"`
	DriveID           uuid.UUID               `json:"driveId"`
	Kind              peertransit.PayloadKind `json:"kind"`
	// EncryptedKeyHeader is sealed to the recipient's transit key, or plain for unencrypted feed items.
	EncryptedKeyHeader []byte `json:"encryptedKeyHeader,omitempty"`
	PublicKeyCRC       uint32 `json:"publicKeyCrc"`
	Unencrypted        bool   `json:"unencrypted,omitempty"`
}

var transferKinds = []any{
	peertransit.KindFileTransfer,
	peertransit.KindFeedDistribution,
	peertransit.KindCommandMessage,
}

func (h TransferKeyHeader) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.SenderIdentity, validation.Required),
		validation.Field(&h.RecipientIdentity, validation.Required),
		validation.Field(&h.GlobalTransitID, validation.By(notNil)),
		validation.Field(&h.DriveID, validation.By(notNil)),
		validation.Field(&h.Kind, validation.Required, validation.In(transferKinds...)),
		validation.Field(&h.PublicKeyCRC, validation.When(!h.Unencrypted && len(h.EncryptedKeyHeader) > 0, validation.Required)),
	)
}

// InboxFile is the inbox row key of one received transfer. Every accepted transfer gets its own
// receipt, so a revision never collides with an earlier copy still waiting in the inbox.
func (h TransferKeyHeader) InboxFile(receipt uuid.UUID) peertransit.FileID {
	return peertransit.FileID{DriveID: h.DriveID, FileID: receipt}
}

// NewReceiptID returns a time-ordered receipt id.
func NewReceiptID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func notNil(v any) error {
	if id, ok := v.(uuid.UUID); ok && id == uuid.Nil {
		return errors.New("cannot be blank")
	}
	return nil
}

// Metadata is the second part of a transfer.
type Metadata struct {
	// AppData is the file's opaque metadata blob.
	AppData  []byte                          `json:"appData,omitempty"`
	Payloads []peertransit.PayloadDescriptor `json:"payloads,omitempty"`
	// Command is set for command messages.
	Command *peertransit.CommandMessage `json:"command,omitempty"`
}

// PublicKeyResponse is served from KeysPath.
type PublicKeyResponse struct {
	PublicKey []byte    `json:"publicKey"`
	CRC       uint32    `json:"crc"`
	ExpiresAt time.Time `json:"expiresAt"`
}
