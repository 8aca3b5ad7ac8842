package peertransit

import "github.com/google/uuid"

// TransferInstructions is the state of file, feed and command items.
type TransferInstructions struct {
	GlobalTransitID uuid.UUID `json:"globalTransitId"`
	// TargetDrive is the drive the recipient should write into.
	TargetDrive uuid.UUID `json:"targetDrive"`
	// KeyHeader is the file's symmetric key header, sealed per recipient at send time.
	KeyHeader []byte `json:"keyHeader,omitempty"`
	// SendPayload includes payload streams in the transfer.
	SendPayload bool `json:"sendPayload"`
	// IsTransient hard-deletes the source file once every recipient has it.
	IsTransient bool `json:"isTransient"`
	// Command is set for command message items.
	Command *CommandMessage `json:"command,omitempty"`
}

// CommandMessage is an out-of-band app notification between identities.
type CommandMessage struct {
	ClientJSONMessage string      `json:"clientJsonMessage"`
	GlobalTransitIDs  []uuid.UUID `json:"globalTransitIdList"`
}

// PushNotificationInstructions is the state of push notification items.
type PushNotificationInstructions struct {
	AppID  uuid.UUID `json:"appId"`
	TypeID uuid.UUID `json:"typeId"`
	TagID  uuid.UUID `json:"tagId"`
	Silent bool      `json:"silent"`
	Body   string    `json:"body"`
}
