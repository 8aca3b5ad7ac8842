package wire_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/wire"
)

func TestResponseCodeMapping(t *testing.T) {
	tests := []struct {
		code     wire.ResponseCode
		http     int
		accepted bool
		status   peertransit.TransferStatus
	}{
		{wire.CodeAcceptedDirectWrite, http.StatusOK, true, peertransit.StatusDelivered},
		{wire.CodeAcceptedIntoInbox, http.StatusOK, true, peertransit.StatusDeliveredToInbox},
		{wire.CodeRejectedAccessDenied, http.StatusForbidden, false, peertransit.StatusRecipientReturnedAccessDenied},
		{wire.CodeRejectedInvalidKey, http.StatusBadRequest, false, peertransit.StatusRecipientReturnedInvalidKey},
		{wire.CodeRejectedMalformed, http.StatusBadRequest, false, peertransit.StatusRecipientRejectedMalformed},
		{"something_else", http.StatusBadRequest, false, peertransit.StatusRecipientRejectedMalformed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.http, tt.code.HTTPStatus(), tt.code)
		assert.Equal(t, tt.accepted, tt.code.Accepted(), tt.code)
		assert.Equal(t, tt.status, tt.code.TransferStatus(), tt.code)
	}
}

func validHeader() wire.TransferKeyHeader {
	return wire.TransferKeyHeader{
		SenderIdentity:     "frodo.example",
		RecipientIdentity:  "sam.example",
		GlobalTransitID:    uuid.New(),
		DriveID:            uuid.New(),
		Kind:               peertransit.KindFileTransfer,
		EncryptedKeyHeader: []byte("sealed"),
		PublicKeyCRC:       1234,
	}
}

func TestTransferKeyHeaderValidate(t *testing.T) {
	assert.NoError(t, validHeader().Validate())

	unencrypted := validHeader()
	unencrypted.Unencrypted = true
	unencrypted.PublicKeyCRC = 0
	unencrypted.Kind = peertransit.KindFeedDistribution
	assert.NoError(t, unencrypted.Validate())

	mutations := map[string]func(h *wire.TransferKeyHeader){
		"no sender":      func(h *wire.TransferKeyHeader) { h.SenderIdentity = "" },
		"no recipient":   func(h *wire.TransferKeyHeader) { h.RecipientIdentity = "" },
		"no transit id":  func(h *wire.TransferKeyHeader) { h.GlobalTransitID = uuid.Nil },
		"no drive":       func(h *wire.TransferKeyHeader) { h.DriveID = uuid.Nil },
		"inbox kind":     func(h *wire.TransferKeyHeader) { h.Kind = peertransit.KindInboxTransfer },
		"sealed, no crc": func(h *wire.TransferKeyHeader) { h.PublicKeyCRC = 0 },
	}
	for name, mutate := range mutations {
		h := validHeader()
		mutate(&h)
		assert.Error(t, h.Validate(), name)
	}
}

func TestInboxFile(t *testing.T) {
	h := validHeader()
	first, second := wire.NewReceiptID(), wire.NewReceiptID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, uuid.Version(7), first.Version())

	f := h.InboxFile(first)
	assert.Equal(t, h.DriveID, f.DriveID)
	assert.Equal(t, first, f.FileID)
	assert.NotEqual(t, f, h.InboxFile(second))
}
