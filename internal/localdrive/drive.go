// Package localdrive keeps drive files on the local filesystem, one directory per file.
//
// Layout: <root>/<tenant>/<drive id>/<file id>/header.json plus one <payload key>.bin per payload.
// Received files are stored under their global transit id.
package localdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mickamy/peertransit"
)

const headerFile = "header.json"

var ErrInvalidPayloadKey = errors.New("localdrive: invalid payload key")

// record is what header.json holds.
type record struct {
	peertransit.FileHeader
	// Received files keep the sender and the sealed key header.
	Sender             string    `json:"sender,omitempty"`
	EncryptedKeyHeader []byte    `json:"encryptedKeyHeader,omitempty"`
	ReceivedAt         time.Time `json:"receivedAt,omitempty"`
	ReceiptID          uuid.UUID `json:"receiptId"`
}

type Drive struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Drive, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("localdrive: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Drive{root: root}, nil
}

func (d *Drive) dir(tenant string, file peertransit.FileID) string {
	return filepath.Join(d.root, tenant, file.DriveID.String(), file.FileID.String())
}

func payloadName(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPayloadKey, key)
	}
	return key + ".bin", nil
}

func (d *Drive) FileExists(_ context.Context, tenant string, file peertransit.FileID) (bool, error) {
	_, err := os.Stat(filepath.Join(d.dir(tenant, file), headerFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *Drive) GetServerFileHeader(_ context.Context, tenant string, file peertransit.FileID) (peertransit.FileHeader, error) {
	rec, err := d.load(tenant, file)
	if err != nil {
		return peertransit.FileHeader{}, err
	}
	return rec.FileHeader, nil
}

func (d *Drive) OpenPayload(_ context.Context, tenant string, file peertransit.FileID, key string) (io.ReadCloser, error) {
	name, err := payloadName(key)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(d.dir(tenant, file), name))
}

// HardDeleteFile removes the file directory. Deleting a missing file succeeds.
func (d *Drive) HardDeleteFile(_ context.Context, tenant string, file peertransit.FileID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.RemoveAll(d.dir(tenant, file))
}

// Put writes a local file with its payloads. The header is written last.
func (d *Drive) Put(_ context.Context, tenant string, header peertransit.FileHeader, payloads map[string][]byte) error {
	if header.File.IsZero() {
		return errors.New("localdrive: file id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(tenant, record{FileHeader: header}, payloads)
}

// ApplyIncomingTransfer stores a received file under (target drive, global transit id).
// Applying the same transfer twice rewrites the same directory; a transfer whose receipt is older
// than the stored one is skipped so a retried copy never replaces a newer revision.
func (d *Drive) ApplyIncomingTransfer(_ context.Context, tenant string, transfer peertransit.IncomingTransfer) error {
	if transfer.TargetDrive == uuid.Nil || transfer.GlobalTransitID == uuid.Nil {
		return fmt.Errorf("%w: transfer needs a target drive and a global transit id", peertransit.ErrUnrecoverable)
	}
	file := peertransit.FileID{DriveID: transfer.TargetDrive, FileID: transfer.GlobalTransitID}
	rec := record{
		FileHeader: peertransit.FileHeader{
			File:            file,
			GlobalTransitID: transfer.GlobalTransitID,
			Metadata:        transfer.Metadata,
			ACL:             peertransit.AccessControlList{RequiredSecurityGroup: SecurityGroupOwner},
		},
		Sender:             transfer.Sender,
		EncryptedKeyHeader: transfer.EncryptedKeyHeader,
		ReceivedAt:         transfer.ReceivedAt,
		ReceiptID:          transfer.ReceiptID,
	}
	payloads := make(map[string][]byte, len(transfer.Payloads))
	for _, p := range transfer.Payloads {
		if _, err := payloadName(p.Key); err != nil {
			return fmt.Errorf("%w: %v", peertransit.ErrUnrecoverable, err)
		}
		rec.Payloads = append(rec.Payloads, peertransit.PayloadDescriptor{Key: p.Key, ContentType: p.ContentType})
		payloads[p.Key] = p.Data
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	superseded, err := d.supersededLocked(tenant, file, transfer.ReceiptID)
	if err != nil {
		return err
	}
	if superseded {
		logrus.WithFields(logrus.Fields{
			"tenant":  tenant,
			"sender":  transfer.Sender,
			"file":    file.String(),
			"receipt": transfer.ReceiptID,
		}).Info("older transfer skipped, a newer revision is stored")
		return nil
	}
	if err := d.writeLocked(tenant, rec, payloads); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"tenant": tenant,
		"sender": transfer.Sender,
		"file":   file.String(),
	}).Info("incoming transfer stored")
	return nil
}

// supersededLocked reports whether the stored copy of file came from a later receipt.
func (d *Drive) supersededLocked(tenant string, file peertransit.FileID, receipt uuid.UUID) (bool, error) {
	if receipt == uuid.Nil {
		return false, nil
	}
	stored, err := d.load(tenant, file)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Compare(stored.ReceiptID[:], receipt[:]) > 0, nil
}

func (d *Drive) load(tenant string, file peertransit.FileID) (record, error) {
	data, err := os.ReadFile(filepath.Join(d.dir(tenant, file), headerFile))
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("localdrive: corrupt header of %s: %w", file, err)
	}
	return rec, nil
}

func (d *Drive) writeLocked(tenant string, rec record, payloads map[string][]byte) error {
	dir := d.dir(tenant, rec.File)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for key, data := range payloads {
		name, err := payloadName(key)
		if err != nil {
			return err
		}
		if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, headerFile), data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
