package peertransit_test

import (
	"testing"
	"time"

	"github.com/mickamy/peertransit"
)

func TestTransferStatusClassify(t *testing.T) {
	tests := []struct {
		status peertransit.TransferStatus
		want   peertransit.Classification
	}{
		{status: peertransit.StatusRecipientServerNotResponding, want: peertransit.Recoverable},
		{status: peertransit.StatusRecipientServerError, want: peertransit.Recoverable},
		{status: peertransit.StatusUnknownServerError, want: peertransit.Recoverable},
		{status: peertransit.StatusRecipientReturnedAccessDenied, want: peertransit.Unrecoverable},
		{status: peertransit.StatusRecipientReturnedInvalidKey, want: peertransit.Unrecoverable},
		{status: peertransit.StatusRecipientRejectedMalformed, want: peertransit.Unrecoverable},
		{status: peertransit.StatusRecipientNotFound, want: peertransit.Unrecoverable},
		{status: peertransit.StatusSourceFileMissing, want: peertransit.Unrecoverable},
		{status: peertransit.StatusDelivered, want: peertransit.Unrecoverable},
	}
	for _, tt := range tests {
		if got := tt.status.Classify(); got != tt.want {
			t.Fatalf("%s.Classify() = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status   peertransit.TransferStatus
		want     peertransit.OutcomeKind
		complete bool
	}{
		{status: peertransit.StatusDelivered, want: peertransit.OutcomeDelivered, complete: true},
		{status: peertransit.StatusDeliveredToInbox, want: peertransit.OutcomeDelivered, complete: true},
		{status: peertransit.StatusRecipientServerError, want: peertransit.OutcomeRecoverable, complete: false},
		{status: peertransit.StatusRecipientReturnedAccessDenied, want: peertransit.OutcomeUnrecoverable, complete: true},
	}
	for _, tt := range tests {
		out := peertransit.FromStatus(tt.status, "reason")
		if out.Kind != tt.want || out.Status != tt.status {
			t.Fatalf("FromStatus(%s) = %+v, want kind %s", tt.status, out, tt.want)
		}
		if out.ShouldMarkComplete() != tt.complete {
			t.Fatalf("FromStatus(%s).ShouldMarkComplete() = %v, want %v", tt.status, out.ShouldMarkComplete(), tt.complete)
		}
		if !out.NextRunTime.IsZero() {
			t.Fatalf("FromStatus(%s) set a next run time", tt.status)
		}
	}
}

func TestOutcomeConstructors(t *testing.T) {
	next := time.UnixMilli(1_700_000_000_000)
	retry := peertransit.Retry(peertransit.StatusUnknownServerError, next, "panic")
	if retry.ShouldMarkComplete() || !retry.NextRunTime.Equal(next) || retry.Reason != "panic" {
		t.Fatalf("Retry() = %+v", retry)
	}
	abandon := peertransit.Abandon(peertransit.StatusMaxAttemptsExceeded, "gave up")
	if !abandon.ShouldMarkComplete() || abandon.Kind.String() != "unrecoverable" {
		t.Fatalf("Abandon() = %+v", abandon)
	}
	// a push relay failure completes the item with no status to record
	if out := peertransit.Abandon("", "notification service down"); !out.ShouldMarkComplete() {
		t.Fatalf("Abandon() = %+v, want complete", out)
	}
}
