package peertransit

import (
	"errors"
	"time"
)

var (
	// ErrMarkerNotFound is returned when a marker does not identify an in-flight item.
	ErrMarkerNotFound = errors.New("peertransit: marker not found")
	// ErrUnrecoverable marks errors that must not be retried.
	ErrUnrecoverable = errors.New("peertransit: unrecoverable")
	// ErrNoWorker is reported when no worker is registered for an item's kind.
	ErrNoWorker = errors.New("peertransit: no worker registered for payload kind")
)

// TransferStatus is the per-recipient delivery status.
type TransferStatus string

const (
	StatusTransferKeyCreated                   TransferStatus = "transfer_key_created"
	StatusDelivered                            TransferStatus = "delivered"
	StatusDeliveredToInbox                     TransferStatus = "delivered_to_inbox"
	StatusRecipientServerNotResponding         TransferStatus = "recipient_server_not_responding"
	StatusRecipientServerError                 TransferStatus = "recipient_server_error"
	StatusUnknownServerError                   TransferStatus = "unknown_server_error"
	StatusRecipientReturnedAccessDenied        TransferStatus = "recipient_returned_access_denied"
	StatusRecipientReturnedInvalidKey          TransferStatus = "recipient_returned_invalid_key"
	StatusRecipientRejectedMalformed           TransferStatus = "recipient_rejected_malformed"
	StatusRecipientNotFound                    TransferStatus = "recipient_not_found"
	StatusRecipientDoesNotHavePermissionToFile TransferStatus = "recipient_does_not_have_permission_to_file_acl"
	StatusFileDoesNotAllowDistribution         TransferStatus = "file_does_not_allow_distribution"
	StatusSourceFileMissing                    TransferStatus = "source_file_missing"
	StatusInvalidRecipient                     TransferStatus = "invalid_recipient"
	StatusMaxAttemptsExceeded                  TransferStatus = "max_attempts_exceeded"
)

// Classification buckets a failure for retry purposes.
type Classification int

const (
	Recoverable Classification = iota + 1
	Unrecoverable
)

func (c Classification) String() string {
	switch c {
	case Recoverable:
		return "recoverable"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Classify returns the retry bucket for a failure status.
// Success statuses classify as Unrecoverable since they must not be retried either.
func (s TransferStatus) Classify() Classification {
	switch s {
	case StatusRecipientServerNotResponding, StatusRecipientServerError, StatusUnknownServerError:
		return Recoverable
	default:
		return Unrecoverable
	}
}

// IsDelivered reports whether the status is a successful delivery.
func (s TransferStatus) IsDelivered() bool {
	return s == StatusDelivered || s == StatusDeliveredToInbox
}

// OutcomeKind is the tag of an Outcome.
type OutcomeKind int

const (
	OutcomeDelivered OutcomeKind = iota + 1
	OutcomeRecoverable
	OutcomeUnrecoverable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Outcome is what a worker reports for one item.
type Outcome struct {
	Kind OutcomeKind
	// Status is recorded to the transfer history when non-empty.
	Status TransferStatus
	// NextRunTime is only meaningful for recoverable outcomes; zero lets the processor apply its backoff.
	NextRunTime time.Time
	// Reason describes why an item was abandoned or rescheduled.
	Reason string
}

// Delivered reports a successful delivery.
func Delivered(status TransferStatus) Outcome {
	return Outcome{Kind: OutcomeDelivered, Status: status}
}

// Retry reports a transient failure. A zero next run time defers to the processor backoff.
func Retry(status TransferStatus, nextRunTime time.Time, reason string) Outcome {
	return Outcome{Kind: OutcomeRecoverable, Status: status, NextRunTime: nextRunTime, Reason: reason}
}

// Abandon reports a permanent failure.
func Abandon(status TransferStatus, reason string) Outcome {
	return Outcome{Kind: OutcomeUnrecoverable, Status: status, Reason: reason}
}

// FromStatus builds the outcome matching a status' classification.
func FromStatus(status TransferStatus, reason string) Outcome {
	if status.IsDelivered() {
		return Delivered(status)
	}
	if status.Classify() == Recoverable {
		return Retry(status, time.Time{}, reason)
	}
	return Abandon(status, reason)
}

// ShouldMarkComplete reports whether the item leaves the queue.
func (o Outcome) ShouldMarkComplete() bool {
	return o.Kind != OutcomeRecoverable
}
